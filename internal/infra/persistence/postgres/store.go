package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadelake/outpost/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed task and outbox repositories.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Tasks returns the task repository bound to the store's pool.
func (s *Store) Tasks() *TaskStore {
	return NewTaskStore(s.Pool())
}

// Outbox returns the outbox repository bound to the store's pool.
func (s *Store) Outbox() *OutboxStore {
	return NewOutboxStore(s.Pool())
}
