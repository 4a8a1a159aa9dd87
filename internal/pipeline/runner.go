package pipeline

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"marketscope/internal/call"
)

// ErrAborted is set on items that were never dispatched because the run was
// aborted or a sibling failed fatally.
var ErrAborted = errors.New("pipeline: run aborted")

// itemKey names one fan-out item for drop records and logs.
type itemKey struct {
	Category string
	Segment  string
}

// fanoutItem is one independent unit of work inside a stage.
type fanoutItem struct {
	key    itemKey
	invoke func(ctx context.Context) call.Result
}

// runFanout executes the items concurrently under the shared semaphore and
// returns one result per item, in input order regardless of completion
// order. Per-item failures are reported in the results, never as the error;
// only a fatal failure returns an error, which also cancels the group so
// in-flight siblings stop early.
func (o *Orchestrator) runFanout(ctx context.Context, role StageRole, items []fanoutItem) ([]call.Result, error) {
	results := make([]call.Result, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, it := range items {
		g.Go(func() error {
			if o.aborted.Load() {
				results[i] = call.Result{Kind: call.KindFatal, Err: ErrAborted}
				return nil
			}
			if err := o.sem.Acquire(gctx, 1); err != nil {
				results[i] = call.Result{Kind: call.KindFatal, Err: ErrAborted}
				return nil
			}
			defer o.sem.Release(1)
			if o.aborted.Load() {
				results[i] = call.Result{Kind: call.KindFatal, Err: ErrAborted}
				return nil
			}

			res := it.invoke(gctx)
			results[i] = res
			o.progress.itemDone(role, res.OK)
			if res.Kind == call.KindFatal && !errors.Is(res.Err, ErrAborted) {
				return res.Err
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}
