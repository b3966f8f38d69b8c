package product

import (
	"context"

	"stockpile/internal/core/id"
)

// ListFilter holds paging options for List.
type ListFilter struct {
	Offset int
	Limit  int
}

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// Normalize clamps paging values into the accepted range.
func (f ListFilter) Normalize() ListFilter {
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

// Repository defines product persistence.
//
// GetByID, Update and Delete return an apperror NOT_FOUND error for a missing id.
// Update performs an optimistic version check and increments Version on success.
type Repository interface {
	Create(ctx context.Context, p *Product) error
	GetByID(ctx context.Context, productID id.ID) (*Product, error)
	List(ctx context.Context, filter ListFilter) ([]*Product, error)
	Update(ctx context.Context, p *Product) error
	Delete(ctx context.Context, productID id.ID) error
}
