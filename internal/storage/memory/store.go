package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu           sync.RWMutex
	clients      []domain.Client
	byCPF        map[string]int
	applications []domain.AuditLogEntry
	now          func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{byCPF: make(map[string]int), now: time.Now}
}

func (s *Store) LookupClient(ctx context.Context, cpf string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byCPF[cpf]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", cpf, storage.ErrNotFound)
	}
	c := s.clients[i]
	return &c, nil
}

func (s *Store) AppendClient(ctx context.Context, c domain.Client) (domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCPF[c.CPF]; exists {
		return domain.Client{}, fmt.Errorf("client %s: %w", c.CPF, storage.ErrDuplicate)
	}
	if c.ID == 0 {
		c.ID = int64(len(s.clients) + 1)
	}
	s.byCPF[c.CPF] = len(s.clients)
	s.clients = append(s.clients, c)
	return c, nil
}

func (s *Store) UpdateClient(ctx context.Context, cpf string, c domain.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byCPF[cpf]
	if !ok {
		return fmt.Errorf("client %s: %w", cpf, storage.ErrNotFound)
	}
	if c.CPF != cpf {
		if _, taken := s.byCPF[c.CPF]; taken {
			return fmt.Errorf("client %s: %w", c.CPF, storage.ErrDuplicate)
		}
		delete(s.byCPF, cpf)
		s.byCPF[c.CPF] = i
	}
	c.ID = s.clients[i].ID
	s.clients[i] = c
	return nil
}

func (s *Store) ListClients(ctx context.Context) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.Client(nil), s.clients...), nil
}

func (s *Store) AppendApplication(ctx context.Context, e *domain.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = int64(len(s.applications) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	entry := *e
	entry.Details = copyDetails(e.Details)
	s.applications = append(s.applications, entry)
	return nil
}

func (s *Store) ListApplications(ctx context.Context) ([]domain.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLogEntry, 0, len(s.applications))
	for i := len(s.applications) - 1; i >= 0; i-- {
		out = append(out, s.applications[i])
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

func copyDetails(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
