package api

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roach88/tillguard/internal/alert"
	"github.com/roach88/tillguard/internal/logging"
)

type options struct {
	logger    *zap.Logger
	notifier  *alert.Notifier
	pushRate  rate.Limit
	pushBurst int
}

// Option configures a router.
type Option func(*options)

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = logging.OrNop(l) }
}

// WithNotifier raises operator alerts for integrity failures seen by
// handlers.
func WithNotifier(n *alert.Notifier) Option {
	return func(o *options) { o.notifier = n.For("api") }
}

// WithPushRate limits sync pushes per device. A non-positive rate
// disables the limit.
func WithPushRate(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.pushRate = rate.Inf
		} else {
			o.pushRate = rate.Limit(perSecond)
		}
		o.pushBurst = max(burst, 1)
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), pushRate: rate.Inf, pushBurst: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
