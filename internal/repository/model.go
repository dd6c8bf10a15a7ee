package repository

import "time"

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

type Session struct {
	ID              string
	Model           string
	StartedAt       time.Time
	EndedAt         *time.Time
	Status          SessionStatus
	Languages       []string
	FinalTokenCount int
	Transcript      string
	ErrorMessage    string
	CreatedAt       time.Time
}
