package repository

import (
	"context"
	"time"
)

type CreateSessionInput struct {
	SessionID string
	Model     string
	StartedAt time.Time
}

type CompleteSessionInput struct {
	SessionID       string
	EndedAt         time.Time
	Status          SessionStatus
	Languages       []string
	FinalTokenCount int
	Transcript      string
	ErrorMessage    string
}

type Repository interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error)
	CompleteSession(ctx context.Context, input CompleteSessionInput) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}
