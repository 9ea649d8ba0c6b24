package daemon

import (
	"context"
	"time"

	"github.com/moltbunker/usdstake/internal/ledger"
)

// timeoutSink bounds each publish and detaches it from the caller's
// cancellation, so a client hanging up after its stake committed does not
// cut the event short.
type timeoutSink struct {
	inner   ledger.EventSink
	timeout time.Duration
}

func newTimeoutSink(inner ledger.EventSink, timeout time.Duration) ledger.EventSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &timeoutSink{inner: inner, timeout: timeout}
}

func (t *timeoutSink) Publish(ctx context.Context, ev ledger.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	return t.inner.Publish(ctx, ev)
}
