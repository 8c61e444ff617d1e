// Package repository holds the journal database access layer. Each model
// gets a repository interface so commands and handlers can be tested
// against fakes without a live database.
package repository

import "context"

// Repository is the base contract every model repository embeds. The
// journal's records are append-mostly, so there is no generic update.
type Repository[T any] interface {
	Create(ctx context.Context, arg *T) (*T, error)
	GetByID(ctx context.Context, id string) (*T, error)
	DeleteByID(ctx context.Context, id string) error
}
