package execution

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"testrig/internal/api"
	"testrig/internal/events"
	"testrig/internal/framework"
	"testrig/pkg/logging"
)

// executeParallel splits the test units of req into at most workers
// contiguous chunks and runs one process per chunk. Results are concatenated
// in chunk order. A failing chunk does not cancel its siblings.
func (e *Engine) executeParallel(ctx context.Context, fw framework.Framework, req api.RunRequest, workers int) ([]api.TestOutcome, error) {
	units, err := e.parallelUnits(fw, req)
	if err != nil {
		logging.Warn("Execution", "Test discovery failed, running sequentially: %v", err)
		return e.run(ctx, fw, req, nil)
	}
	if len(units) < 2 {
		return e.run(ctx, fw, req, nil)
	}

	chunks := partition(units, workers)
	parent := e.register(req, nil)
	logging.Info("Execution", "Run %s: %d units in %d chunks", parent.id, len(units), len(chunks))

	results := make([][]api.TestOutcome, len(chunks))
	chunkErrs := make([]error, len(chunks))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, chunk := range chunks {
		chunkReq := req.Clone()
		chunkReq.Files = chunk
		chunkReq.TestPath = ""
		chunkReq.Parallel = false

		g.Go(func() error {
			results[i], chunkErrs[i] = e.run(ctx, fw, chunkReq, parent)
			return nil
		})
	}
	_ = g.Wait()

	var all []api.TestOutcome
	var errs []error
	timedOut := false
	for i := range chunks {
		all = append(all, results[i]...)
		if chunkErrs[i] != nil {
			errs = append(errs, fmt.Errorf("chunk %d: %w", i, chunkErrs[i]))
			if api.IsTimeout(chunkErrs[i]) {
				timedOut = true
			}
		}
	}

	switch {
	case parent.stopRequested():
		e.finish(parent, api.RunCompleted, all, "", events.ReasonRunStopped)
		return all, nil

	case timedOut:
		terr := &api.TimeoutError{RunID: parent.id, Timeout: e.timeout(req), Partial: all}
		e.finish(parent, api.RunTimeout, all, terr.Error(), events.ReasonRunTimedOut)
		return all, terr

	case len(errs) == len(chunks):
		err := errors.Join(errs...)
		e.finish(parent, api.RunFailed, nil, err.Error(), events.ReasonRunFailed)
		return nil, err

	default:
		for _, err := range errs {
			logging.Warn("Execution", "Run %s: %v", parent.id, err)
		}
		e.finish(parent, api.RunCompleted, all, "", events.ReasonRunCompleted)
		return all, nil
	}
}

// parallelUnits returns the execution units for req: the explicit file list
// when given, the discovered test files under TestPath otherwise.
func (e *Engine) parallelUnits(fw framework.Framework, req api.RunRequest) ([]string, error) {
	files := req.Files
	if len(files) == 0 {
		var err error
		files, err = framework.Discover(req.Dir, req.TestPath, fw)
		if err != nil {
			return nil, err
		}
	}
	return framework.Units(fw, files), nil
}

// partition splits units into contiguous chunks of ceil(n/k) entries. The
// last chunk may be smaller and there are never more than k chunks.
func partition(units []string, k int) [][]string {
	if k < 1 {
		k = 1
	}
	size := (len(units) + k - 1) / k
	if size == 0 {
		return nil
	}
	var chunks [][]string
	for i := 0; i < len(units); i += size {
		chunks = append(chunks, units[i:min(i+size, len(units))])
	}
	return chunks
}
