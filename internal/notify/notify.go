// Package notify delivers payment status changes to interested parties.
// Delivery is always fire-and-forget from the payment path's point of view.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zyndor1548/storefront-payments/internal/logging"
)

const (
	EventStatusChanged = "payment.status_changed"
	EventRefunded      = "payment.refunded"
	EventCancelled     = "payment.cancelled"
)

// Event describes one payment status change.
type Event struct {
	Type          string    `json:"type"`
	TransactionID string    `json:"transaction_id"`
	OrderID       string    `json:"order_id,omitempty"`
	StoreID       string    `json:"store_id"`
	Status        string    `json:"status"`
	Previous      string    `json:"previous_status,omitempty"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	At            time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Detached runs each delivery in its own goroutine. Failures go to an
// error channel that is drained into the log; callers never wait.
type Detached struct {
	next    Notifier
	logger  *logging.StructuredLogger
	timeout time.Duration

	errs    chan deliveryError
	wg      sync.WaitGroup
	drained chan struct{}
	once    sync.Once
}

type deliveryError struct {
	event Event
	err   error
}

func NewDetached(next Notifier, logger *logging.StructuredLogger, timeout time.Duration) *Detached {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Detached{
		next:    next,
		logger:  logger,
		timeout: timeout,
		errs:    make(chan deliveryError, 64),
		drained: make(chan struct{}),
	}
	go d.drain()
	return d
}

// Notify schedules delivery and returns immediately. It never fails.
func (d *Detached) Notify(ctx context.Context, ev Event) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.report(ev, fmt.Errorf("notifier panic: %v", r))
			}
		}()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.next.Notify(dctx, ev); err != nil {
			d.report(ev, err)
		}
	}()
	return nil
}

func (d *Detached) report(ev Event, err error) {
	select {
	case d.errs <- deliveryError{event: ev, err: err}:
	default:
		d.logger.Error("Notification error dropped, channel full", map[string]interface{}{
			"payment_id": ev.TransactionID,
			"error":      err.Error(),
		})
	}
}

func (d *Detached) drain() {
	defer close(d.drained)
	for de := range d.errs {
		d.logger.Error("Notification delivery failed", map[string]interface{}{
			"payment_id": de.event.TransactionID,
			"event_type": de.event.Type,
			"status":     de.event.Status,
			"error":      de.err.Error(),
		})
	}
}

// Close waits for in-flight deliveries and stops the drainer.
func (d *Detached) Close() {
	d.once.Do(func() {
		d.wg.Wait()
		close(d.errs)
		<-d.drained
	})
}
