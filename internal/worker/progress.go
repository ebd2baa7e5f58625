package worker

import "context"

// ProgressFunc reports job progress as a 0-100 percentage. The store keeps
// progress monotonic, so handlers may report freely.
type ProgressFunc func(progress int)

type progressKey struct{}

// WithProgress attaches a progress reporter to a handler context.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress reports progress from inside a handler. Outside a worker
// execution (e.g. a sync dispatch) it is a no-op.
func ReportProgress(ctx context.Context, progress int) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(progress)
	}
}
