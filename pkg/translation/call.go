package translation

import (
	"context"
	"sync/atomic"
)

// Call is an in-progress translation started with Start. It lets code that
// does not own a context cancel the work.
type Call struct {
	cancel      context.CancelFunc
	done        chan struct{}
	cancelled   atomic.Bool
	translation Translation
	err         error
}

// Start runs Translate in the background.
func (orchestrator *Orchestrator) Start(ctx context.Context, text string, sourceLang string, targetLang string) *Call {
	callCtx, cancel := context.WithCancel(ctx)
	call := &Call{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(call.done)
		defer cancel()
		call.translation, call.err = orchestrator.Translate(callCtx, text, sourceLang, targetLang)
	}()
	return call
}

// Cancel requests cancellation. It is safe to call more than once.
func (call *Call) Cancel() {
	call.cancelled.Store(true)
	call.cancel()
}

// Cancelled reports whether Cancel was called.
func (call *Call) Cancelled() bool {
	return call.cancelled.Load()
}

// Done is closed once the call has finished.
func (call *Call) Done() <-chan struct{} {
	return call.done
}

// Wait blocks until the call finishes and returns its result.
func (call *Call) Wait() (Translation, error) {
	<-call.done
	return call.translation, call.err
}
