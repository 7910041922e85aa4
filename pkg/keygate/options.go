package keygate

import "time"

// Option is a functional option for configuring a Middleware.
type Option interface {
	apply(*Middleware)
}

type optionFunc func(*Middleware)

func (f optionFunc) apply(m *Middleware) {
	f(m)
}

// WithConfig replaces the default configuration. The config is validated
// (and normalized) by New.
func WithConfig(cfg Config) Option {
	return optionFunc(func(m *Middleware) {
		m.config = cfg
	})
}

// WithObserver sets the observer receiving request, lease, and cleanup
// events. Combine several with MultiObserver.
func WithObserver(obs Observer) Option {
	return optionFunc(func(m *Middleware) {
		m.observer = obs
	})
}

// WithClock overrides the time source. Useful for testing TTL and
// timeout behavior without sleeping.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(m *Middleware) {
		m.now = now
	})
}
