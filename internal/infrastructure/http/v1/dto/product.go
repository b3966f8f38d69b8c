package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"stockpile/internal/domain/product"
)

// CreateProductRequest is the body of POST /products.
type CreateProductRequest struct {
	Name     string           `json:"name" binding:"required"`
	Quantity *int             `json:"quantity" binding:"required"`
	Details  *string          `json:"details"`
	Price    *decimal.Decimal `json:"price"`
}

// ToProduct builds a new product from the request.
func (r CreateProductRequest) ToProduct() *product.Product {
	p := product.NewProduct(r.Name, *r.Quantity)
	p.Details = r.Details
	if r.Price != nil {
		p.Price = decimal.NewNullDecimal(*r.Price)
	}
	return p
}

// UpdateProductRequest is the body of PUT /products/:id. Omitted fields are kept.
type UpdateProductRequest struct {
	Name     *string          `json:"name"`
	Quantity *int             `json:"quantity"`
	Details  *string          `json:"details"`
	Price    *decimal.Decimal `json:"price"`
}

// ToChanges converts the request into a partial update.
func (r UpdateProductRequest) ToChanges() product.Changes {
	return product.Changes{
		Name:     r.Name,
		Quantity: r.Quantity,
		Details:  r.Details,
		Price:    r.Price,
	}
}

// ProductResponse is the product representation returned by the API.
type ProductResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Quantity  int              `json:"quantity"`
	Details   *string          `json:"details,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// FromProduct converts a product to its response.
func FromProduct(p *product.Product) ProductResponse {
	resp := ProductResponse{
		ID:        p.ID.String(),
		Name:      p.Name,
		Quantity:  p.Quantity,
		Details:   p.Details,
		Version:   p.Version,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.Price.Valid {
		price := p.Price.Decimal
		resp.Price = &price
	}
	return resp
}

// FromProducts converts a slice of products.
func FromProducts(items []*product.Product) []ProductResponse {
	out := make([]ProductResponse, 0, len(items))
	for _, p := range items {
		out = append(out, FromProduct(p))
	}
	return out
}
