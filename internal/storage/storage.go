// Package storage defines the client registry and application log contracts
// consumed by the decision core.
package storage

import (
	"context"
	"errors"

	"github.com/tjfontaine/credit-desk/internal/domain"
)

var (
	// ErrNotFound is returned when no client matches the identity key.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when appending a client whose identity key
	// is already registered.
	ErrDuplicate = errors.New("already exists")
)

// ClientRegistry is read-mostly: the decision core only looks clients up.
type ClientRegistry interface {
	LookupClient(ctx context.Context, cpf string) (*domain.Client, error)
	AppendClient(ctx context.Context, c domain.Client) (domain.Client, error)
	UpdateClient(ctx context.Context, cpf string, c domain.Client) error
	ListClients(ctx context.Context) ([]domain.Client, error)
}

// ApplicationLog is the append-only record of terminal decisions.
type ApplicationLog interface {
	AppendApplication(ctx context.Context, e *domain.AuditLogEntry) error
	// ListApplications returns entries most-recent-first.
	ListApplications(ctx context.Context) ([]domain.AuditLogEntry, error)
}

// Store is a backend providing both contracts.
type Store interface {
	ClientRegistry
	ApplicationLog
	Close() error
}

// Seed appends the reference clients when the registry is empty.
func Seed(ctx context.Context, r ClientRegistry) (int, error) {
	existing, err := r.ListClients(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	n := 0
	for _, c := range domain.SeedClients() {
		if _, err := r.AppendClient(ctx, c); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
