package ingest

import (
	stderrors "errors"
	"fmt"

	"github.com/bookmeta/reconciler/pkg/errors"
	"github.com/bookmeta/reconciler/pkg/queue"
)

// RetryPolicy classifies a Handle error via its wrapped Failure code
// before falling back to Fallback (normally queue.DefaultRetryPolicy).
// This is what makes spec.md §7's permanent/temporary table actually take
// effect: queue.DefaultRetryPolicy alone only counts attempts, so without
// this wrapper a permanent failure like MalformedJSON would retry
// MaxAttempts times before reaching the dead letter sink instead of going
// there immediately.
type RetryPolicy struct {
	Fallback queue.RetryPolicy
}

func (p RetryPolicy) Decide(env queue.Envelope, handlerErr error) queue.RetryDecision {
	if f, ok := asFailure(handlerErr); ok {
		if meta, known := errors.Meta(f.Code); known && !meta.Retryable {
			return queue.RetryDecision{ToDLQ: true, Reason: fmt.Sprintf("%s: %v", f.Code, f.Err)}
		}
	}
	fallback := p.Fallback
	if fallback == nil {
		fallback = queue.DefaultRetryPolicy{}
	}
	return fallback.Decide(env, handlerErr)
}

func asFailure(err error) (*Failure, bool) {
	var f *Failure
	if stderrors.As(err, &f) {
		return f, true
	}
	return nil, false
}
