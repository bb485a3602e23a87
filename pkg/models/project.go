package models

import (
	"time"

	"github.com/google/uuid"
)

// Project scopes pipeline work. Every job belongs to exactly one project,
// and ownership is checked before any plan or quota information is revealed.
type Project struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	UserID    uuid.UUID `db:"user_id"    json:"user_id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
