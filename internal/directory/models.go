// Package directory is the read-only view of registered businesses. Writes
// belong to the registry service.
package directory

import (
	"context"
	"errors"

	"callsy/internal/presence"
)

var ErrNotFound = errors.New("directory: business not found")

type Business struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Category    string            `json:"category"`
	Hours       presence.Schedule `json:"-"`
	IsActive    bool              `json:"is_active"`
}

type Repository interface {
	Lookup(ctx context.Context, businessID string) (Business, error)
}
