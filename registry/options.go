package registry

import (
	"context"
	"log/slog"
	"time"
)

// Option configures the lifecycle manager, engine and reconciler
type Option func(*options)

type options struct {
	notifier Notifier
	recorder Recorder
	now      func() time.Time
}

func defaultOptions() options {
	return options{
		notifier: nopNotifier{},
		recorder: nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithNotifier sets the notification sink
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithClock overrides time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = func() time.Time { return now().UTC() }
		}
	}
}

// send delivers n and logs failures. Notification problems never fail the caller.
func (o options) send(ctx context.Context, logger *slog.Logger, n Notification) {
	if err := o.notifier.Notify(ctx, n); err != nil {
		logger.Warn("Failed to deliver notification", "event", n.Event, "user_id", n.UserID, "error", err)
	}
}
