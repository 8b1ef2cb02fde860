// File: internal/infra/adapters/notify/dispatcher.go
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/adapter"
	"catalog-billing/internal/infra/metrics"
)

var _ adapter.Notifier = (*Dispatcher)(nil)

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, n model.PaymentNotice) error
}

// Dispatcher fans a notice out to every sink in the background. Notify never
// blocks on delivery and never reports a sink failure to the caller.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	log     *zerolog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(logger *zerolog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	l := logger.With().Str("component", "notify").Logger()
	return &Dispatcher{sinks: sinks, timeout: timeout, log: &l}
}

func (d *Dispatcher) Notify(_ context.Context, n model.PaymentNotice) error {
	for _, s := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			err := s.Send(ctx, n)
			metrics.IncNotification(s.Name(), err == nil)
			if err != nil {
				d.log.Warn().Err(err).
					Str("sink", s.Name()).
					Str("kind", n.Kind).
					Str("transaction_id", n.TransactionID).
					Msg("notification delivery failed")
			}
		}(s)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish; used on shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }
