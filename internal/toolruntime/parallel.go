package toolruntime

import (
	"context"
	"runtime"
	"sync"
)

// ParallelCall is one entry in a CallToolsParallel batch.
type ParallelCall struct {
	ToolID string
	Input  map[string]any
}

// ParallelResult pairs one ParallelCall's outcome with its originating
// index, so callers can zip results back against their request slice even
// though completion order is not guaranteed.
type ParallelResult struct {
	Index  int
	Result CallResult
	Err    error
}

// maxWorkers bounds the fan-out so a large batch can't exhaust file
// descriptors or backend rate limits; sized off GOMAXPROCS the way the
// teacher bounds its own worker pools.
func maxWorkers() int {
	n := runtime.GOMAXPROCS(0) * 4
	if n < 4 {
		return 4
	}
	if n > 32 {
		return 32
	}
	return n
}

// CallToolsParallel invokes every call in calls concurrently, bounded by a
// worker pool, and returns results in the same order as calls regardless of
// completion order. One call's failure never aborts the others (spec §4.D:
// "per-item error isolation").
func (r *Runtime) CallToolsParallel(ctx context.Context, sessionID string, calls []ParallelCall) []ParallelResult {
	results := make([]ParallelResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	sem := make(chan struct{}, maxWorkers())
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, call ParallelCall) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := r.CallTool(ctx, sessionID, call.ToolID, call.Input)
			results[i] = ParallelResult{Index: i, Result: res, Err: err}
		}(i, call)
	}
	wg.Wait()
	return results
}
