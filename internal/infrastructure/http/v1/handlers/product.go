package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"stockpile/internal/core/id"
	"stockpile/internal/domain/product"
	"stockpile/internal/infrastructure/http/v1/dto"
)

// ProductService is the product use-case surface the handler needs.
type ProductService interface {
	Create(ctx context.Context, p *product.Product) error
	Get(ctx context.Context, productID id.ID) (*product.Product, error)
	List(ctx context.Context, filter product.ListFilter) ([]*product.Product, error)
	Update(ctx context.Context, productID id.ID, changes product.Changes) (*product.Product, error)
	Delete(ctx context.Context, productID id.ID) error
}

var _ ProductService = (*product.Service)(nil)

// ProductHandler serves product endpoints.
type ProductHandler struct {
	*BaseHandler
	service ProductService
}

// NewProductHandler creates a product handler.
func NewProductHandler(base *BaseHandler, service ProductService) *ProductHandler {
	return &ProductHandler{BaseHandler: base, service: service}
}

// Create handles POST /products.
func (h *ProductHandler) Create(c *gin.Context) {
	p, ok := h.create(c)
	if !ok {
		return
	}
	h.Created(c, dto.FromProduct(p))
}

// List handles GET /products?offset=&limit=.
func (h *ProductHandler) List(c *gin.Context) {
	var req dto.PageRequest
	if !h.BindQuery(c, &req) {
		return
	}

	filter := product.ListFilter{Offset: req.Offset, Limit: req.Limit}.Normalize()
	items, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.ListResponse[dto.ProductResponse]{
		Items:  dto.FromProducts(items),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// Get handles GET /products/:id.
func (h *ProductHandler) Get(c *gin.Context) {
	productID, ok := h.ParseID(c)
	if !ok {
		return
	}

	p, err := h.service.Get(c.Request.Context(), productID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromProduct(p))
}

// Update handles PUT /products/:id.
func (h *ProductHandler) Update(c *gin.Context) {
	productID, ok := h.ParseID(c)
	if !ok {
		return
	}

	var req dto.UpdateProductRequest
	if !h.BindJSON(c, &req) {
		return
	}

	p, err := h.service.Update(c.Request.Context(), productID, req.ToChanges())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromProduct(p))
}

// Delete handles DELETE /products/:id.
func (h *ProductHandler) Delete(c *gin.Context) {
	if !h.delete(c) {
		return
	}
	h.NoContent(c)
}

// LegacyCreate handles POST /produits/create and answers 200 with the product.
func (h *ProductHandler) LegacyCreate(c *gin.Context) {
	p, ok := h.create(c)
	if !ok {
		return
	}
	h.OK(c, dto.FromProduct(p))
}

// LegacyList handles GET /produits/all?skip=&limit= and answers a bare array.
func (h *ProductHandler) LegacyList(c *gin.Context) {
	var req dto.LegacyPageRequest
	if !h.BindQuery(c, &req) {
		return
	}

	items, err := h.service.List(c.Request.Context(), product.ListFilter{Offset: req.Skip, Limit: req.Limit})
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromProducts(items))
}

// LegacyDelete handles DELETE /produits/:id.
func (h *ProductHandler) LegacyDelete(c *gin.Context) {
	if !h.delete(c) {
		return
	}
	h.OK(c, dto.DetailResponse{Detail: "Produit deleted"})
}

func (h *ProductHandler) create(c *gin.Context) (*product.Product, bool) {
	var req dto.CreateProductRequest
	if !h.BindJSON(c, &req) {
		return nil, false
	}

	p := req.ToProduct()
	if err := h.service.Create(c.Request.Context(), p); err != nil {
		h.Error(c, err)
		return nil, false
	}
	return p, true
}

func (h *ProductHandler) delete(c *gin.Context) bool {
	productID, ok := h.ParseID(c)
	if !ok {
		return false
	}

	if err := h.service.Delete(c.Request.Context(), productID); err != nil {
		h.Error(c, err)
		return false
	}
	return true
}
