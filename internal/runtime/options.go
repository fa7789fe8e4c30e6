package runtime

import (
	"errors"
	"log/slog"

	"github.com/tjfontaine/credit-desk/internal/decider"
	"github.com/tjfontaine/credit-desk/internal/remote"
	"github.com/tjfontaine/credit-desk/internal/storage"
)

// Option is a functional option for configuring a Desk.
type Option func(*Desk) error

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Desk) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		d.logger = logger
		return nil
	}
}

// WithStore replaces the configured storage backend. The Desk takes
// ownership and closes it.
func WithStore(store storage.Store) Option {
	return func(d *Desk) error {
		if store == nil {
			return errors.New("store is nil")
		}
		d.injected = store
		return nil
	}
}

// WithDialer replaces the scorer subprocess, e.g. with an in-process worker.
func WithDialer(dialer remote.Dialer) Option {
	return func(d *Desk) error {
		d.dialer = dialer
		return nil
	}
}

// WithDecisionService enables the agent controller on svc regardless of the
// agent.enabled setting. Agent limits still come from the configuration.
func WithDecisionService(svc decider.Service) Option {
	return func(d *Desk) error {
		d.service = svc
		return nil
	}
}
