package store

import (
	"context"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
)

// Mutator changes a job record in place. Returning an error aborts the update
// and nothing is written.
type Mutator func(rec *domain.Record) error

// ListFilter narrows List results. Zero values mean "no filter"; Limit 0 means no limit.
type ListFilter struct {
	State  domain.State
	Kind   domain.Kind
	Limit  int
	Offset int
}

// Store owns every job record. Update is atomic per job id: at most one
// mutation for a given id runs at a time, and updates to different ids never
// wait on each other.
type Store interface {
	Put(ctx context.Context, rec *domain.Record) error
	Get(ctx context.Context, id string) (*domain.Record, error)
	Update(ctx context.Context, id string, fn Mutator) (*domain.Record, error)
	List(ctx context.Context, filter ListFilter) ([]*domain.Record, error)
	Delete(ctx context.Context, id string) error
}
