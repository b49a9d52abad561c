package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier sends to every notifier and joins their errors.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the daemon log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(_ context.Context, title, body string) error {
	n.Logger.Warn("notification", "title", title, "body", body)
	return nil
}

// Throttled drops notifications beyond perMinute, with bursts up to the same
// count.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewThrottled wraps next. perMinute <= 0 returns next unchanged.
func NewThrottled(next Notifier, perMinute int, logger *slog.Logger) Notifier {
	if perMinute <= 0 {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:  logger,
	}
}

func (t *Throttled) Send(ctx context.Context, title, body string) error {
	if !t.limiter.Allow() {
		n := t.dropped.Add(1)
		t.logger.Debug("notification throttled", "title", title, "dropped_total", n)
		return nil
	}
	return t.next.Send(ctx, title, body)
}

// Dropped returns how many notifications were throttled.
func (t *Throttled) Dropped() int64 { return t.dropped.Load() }
