package repository

import (
	"context"
	"time"

	"github.com/kikulab/kikitori/internal/repository"
)

// NoopRepository is used when no DATABASE_URL is configured: sessions run
// without persistence.
type NoopRepository struct{}

func NewNoopRepository() repository.Repository {
	return &NoopRepository{}
}

func (*NoopRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	return &repository.Session{
		ID:        input.SessionID,
		Model:     input.Model,
		StartedAt: input.StartedAt,
		Status:    repository.SessionStatusRunning,
		CreatedAt: time.Now(),
	}, nil
}

func (*NoopRepository) CompleteSession(_ context.Context, _ repository.CompleteSessionInput) error {
	return nil
}

func (*NoopRepository) GetSession(_ context.Context, _ string) (*repository.Session, error) {
	return nil, nil
}
