package validator

import (
	"bytes"
	"context"
	"go/format"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
)

// projectImportPathValidator rewrites import paths the generator emitted
// relative to its own sandbox root into the caller's actual module path —
// a generated function that imports "internal/util" (a guess at the
// target project's layout) needs that rewritten to
// "<modulePrefix>/internal/util" before it will resolve.
type projectImportPathValidator struct {
	modulePrefix string
}

// NewProjectImportPathValidator constructs the validator. modulePrefix is
// the importing project's module path (e.g. "github.com/acme/widgets").
func NewProjectImportPathValidator(modulePrefix string) Validator {
	return projectImportPathValidator{modulePrefix: modulePrefix}
}

func (projectImportPathValidator) Name() string { return "project_import_path" }

func (v projectImportPathValidator) Validate(ctx context.Context, source string) ([]Issue, string, bool, error) {
	if v.modulePrefix == "" {
		return nil, source, false, nil
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "generated.go", source, parser.ParseComments)
	if err != nil {
		return nil, source, false, nil
	}

	changed := false
	for _, imp := range file.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		if v.needsRewrite(path) {
			imp.Path.Value = strconv.Quote(v.modulePrefix + "/" + path)
			changed = true
		}
	}
	if !changed {
		return nil, source, false, nil
	}

	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return []Issue{{
			Validator: "project_import_path",
			Severity:  SeverityWarning,
			Message:   "detected project-relative import paths but rewrite failed: " + err.Error(),
		}}, source, false, nil
	}
	return nil, buf.String(), true, nil
}

// needsRewrite reports whether path looks like a project-relative guess
// (starts with "internal/", "pkg/" or "cmd/" with no host/module prefix) rather
// than a resolvable module path or stdlib package.
func (v projectImportPathValidator) needsRewrite(path string) bool {
	if strings.HasPrefix(path, v.modulePrefix) {
		return false
	}
	return strings.HasPrefix(path, "internal/") || strings.HasPrefix(path, "pkg/") || strings.HasPrefix(path, "cmd/")
}
