// Package product provides the product record and the service that mutates it
// and announces each committed change.
package product

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"stockpile/internal/core/apperror"
	"stockpile/internal/core/id"
	"stockpile/internal/domain/event"
)

const maxNameLength = 255

// Prices are stored as NUMERIC(18, 2).
const priceScale = 2

var maxPrice = decimal.New(1, 16)

// Product is a stocked item.
type Product struct {
	ID        id.ID               `db:"id" json:"id"`
	Name      string              `db:"name" json:"name"`
	Quantity  int                 `db:"quantity" json:"quantity"`
	Details   *string             `db:"details" json:"details,omitempty"`
	Price     decimal.NullDecimal `db:"price" json:"price"`
	Version   int                 `db:"version" json:"version"`
	CreatedAt time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time           `db:"updated_at" json:"updatedAt"`
}

// NewProduct creates a product with server-assigned fields populated.
func NewProduct(name string, quantity int) *Product {
	now := time.Now().UTC()
	return &Product{
		ID:        id.New(),
		Name:      strings.TrimSpace(name),
		Quantity:  quantity,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks product invariants.
func (p *Product) Validate(_ context.Context) error {
	if strings.TrimSpace(p.Name) == "" {
		return apperror.NewValidation("name is required").WithDetail("field", "name")
	}
	if utf8.RuneCountInString(p.Name) > maxNameLength {
		return apperror.NewValidation("name is too long").
			WithDetail("field", "name").
			WithDetail("max", maxNameLength)
	}
	if p.Quantity < 0 {
		return apperror.NewValidation("quantity must not be negative").
			WithDetail("field", "quantity").
			WithDetail("value", p.Quantity)
	}
	if p.Price.Valid && p.Price.Decimal.IsNegative() {
		return apperror.NewValidation("price must not be negative").
			WithDetail("field", "price").
			WithDetail("value", p.Price.Decimal.String())
	}
	if p.Price.Valid && !p.Price.Decimal.Equal(p.Price.Decimal.Round(priceScale)) {
		return apperror.NewValidation("price has more than 2 decimal places").
			WithDetail("field", "price").
			WithDetail("value", p.Price.Decimal.String())
	}
	if p.Price.Valid && p.Price.Decimal.GreaterThanOrEqual(maxPrice) {
		return apperror.NewValidation("price is too large").
			WithDetail("field", "price").
			WithDetail("value", p.Price.Decimal.String())
	}
	return nil
}

// Changes is a partial update. Nil fields are left untouched.
type Changes struct {
	Name     *string
	Quantity *int
	Details  *string
	Price    *decimal.Decimal
}

// Empty reports whether no field is set.
func (c Changes) Empty() bool {
	return c.Name == nil && c.Quantity == nil && c.Details == nil && c.Price == nil
}

// Apply copies the set fields onto p and bumps UpdatedAt.
func (p *Product) Apply(c Changes) {
	if c.Name != nil {
		p.Name = strings.TrimSpace(*c.Name)
	}
	if c.Quantity != nil {
		p.Quantity = *c.Quantity
	}
	if c.Details != nil {
		details := *c.Details
		p.Details = &details
	}
	if c.Price != nil {
		p.Price = decimal.NewNullDecimal(*c.Price)
	}
	p.UpdatedAt = time.Now().UTC()
}

// Snapshot returns the event payload for the product's current state.
func (p *Product) Snapshot() event.Snapshot {
	return event.Snapshot{
		ID:       p.ID,
		Name:     p.Name,
		Quantity: p.Quantity,
		Details:  p.Details,
		Price:    p.Price,
		Version:  p.Version,
	}
}
