package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the owner of projects, jobs, and quota counters. Identity is
// resolved from an API key; the engine only ever sees the opaque id.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Email     string    `db:"email"      json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
