package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kikulab/kikitori/internal/repository"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, model, started_at, status)
		 VALUES ($1, $2, $3, 'running')
		 RETURNING id, model, started_at, ended_at, status`,
		input.SessionID, input.Model, input.StartedAt)
	var s repository.Session
	var endedAt *time.Time
	if err := row.Scan(&s.ID, &s.Model, &s.StartedAt, &endedAt, &s.Status); err != nil {
		return nil, err
	}
	s.EndedAt = endedAt
	return &s, nil
}

func (r *PostgresRepository) CompleteSession(ctx context.Context, input repository.CompleteSessionInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $2, ended_at = $3, languages = $4, final_token_count = $5,
		     transcript = $6, error_message = $7
		 WHERE id = $1`,
		input.SessionID, string(input.Status), input.EndedAt, input.Languages,
		input.FinalTokenCount, input.Transcript, input.ErrorMessage)
	return err
}

func (r *PostgresRepository) GetSession(ctx context.Context, sessionID string) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, model, started_at, ended_at, status, languages,
		        final_token_count, transcript, error_message, created_at
		 FROM sessions WHERE id = $1`,
		sessionID)
	var s repository.Session
	var endedAt *time.Time
	err := row.Scan(&s.ID, &s.Model, &s.StartedAt, &endedAt, &s.Status, &s.Languages,
		&s.FinalTokenCount, &s.Transcript, &s.ErrorMessage, &s.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	s.EndedAt = endedAt
	return &s, nil
}
