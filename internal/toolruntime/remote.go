package toolruntime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kortexai/kortex/internal/toolerrors"
	"github.com/kortexai/kortex/internal/toolspec"
)

func (r *Runtime) dispatchRemoteAPI(ctx context.Context, desc *toolspec.Descriptor, input map[string]any) (string, error) {
	spec := desc.Invocation.RemoteAPI
	if spec == nil || r.remote == nil {
		return "", toolerrors.Errorf(toolerrors.KindToolInvocation, "tool %q: no remote caller configured", desc.ID)
	}
	url := spec.URLTemplate
	for k, v := range input {
		url = strings.ReplaceAll(url, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	headers := map[string]string{}
	for k, v := range spec.Headers {
		headers[k] = v
	}
	timeout := time.Duration(spec.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	status, body, err := r.remote.Call(ctx, spec.Method, url, headers, nil, timeout)
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindTransientBackend, "remote api call failed", err)
	}
	if status >= 400 {
		return string(body), toolerrors.Errorf(toolerrors.KindToolInvocation, "tool %q: remote api returned status %d", desc.ID, status)
	}
	return string(body), nil
}
