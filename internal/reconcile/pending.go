package reconcile

import "context"

// PlanPending plans placing the files of a pending change over the
// workspace. Only the change's paths are touched: what is there is moved
// into the store and the pending content is recorded with rows flagged
// Pending. The committed baseline is not advanced, and the next Diff moves
// pending content back into the store whatever RemoveUntracked says.
// in.RemoveUntracked is ignored.
func PlanPending(ctx context.Context, in Input) (*Plan, error) {
	return diff(ctx, in, true)
}
