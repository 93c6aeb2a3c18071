package extractor

import "context"

type stopKey struct{}

// StopRetries returns a context under which Extract makes no new oracle
// attempt once done is closed. A call already in flight runs on ctx and is
// not interrupted; the last failure is returned instead of retrying.
func StopRetries(ctx context.Context, done <-chan struct{}) context.Context {
	return context.WithValue(ctx, stopKey{}, done)
}

func stopSignal(ctx context.Context) <-chan struct{} {
	done, _ := ctx.Value(stopKey{}).(<-chan struct{})
	return done
}
