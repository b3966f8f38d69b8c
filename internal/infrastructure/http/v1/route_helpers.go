package v1

import (
	"github.com/gin-gonic/gin"
)

// ProductRouteHandler is implemented by handlers.ProductHandler.
type ProductRouteHandler interface {
	List(c *gin.Context)
	Create(c *gin.Context)
	Get(c *gin.Context)
	Update(c *gin.Context)
	Delete(c *gin.Context)

	LegacyCreate(c *gin.Context)
	LegacyList(c *gin.Context)
	LegacyDelete(c *gin.Context)
}

// RouteThrottle picks the middleware for mutating and reading routes.
// A nil field leaves those routes unthrottled.
type RouteThrottle struct {
	Mutate gin.HandlerFunc
	Read   gin.HandlerFunc
}

func (t RouteThrottle) chain(mutating bool, h gin.HandlerFunc) []gin.HandlerFunc {
	mw := t.Read
	if mutating {
		mw = t.Mutate
	}
	if mw == nil {
		return []gin.HandlerFunc{h}
	}
	return []gin.HandlerFunc{mw, h}
}

// RegisterProductRoutes registers the product resource on rg:
//
//	GET    /        - list (offset, limit)
//	POST   /        - create
//	GET    /:id     - get
//	PUT    /:id     - update
//	DELETE /:id     - delete
func RegisterProductRoutes(rg *gin.RouterGroup, h ProductRouteHandler, t RouteThrottle) {
	rg.GET("", t.chain(false, h.List)...)
	rg.POST("", t.chain(true, h.Create)...)
	rg.GET("/:id", t.chain(false, h.Get)...)
	rg.PUT("/:id", t.chain(true, h.Update)...)
	rg.DELETE("/:id", t.chain(true, h.Delete)...)
}

// RegisterLegacyRoutes registers the paths of the original service.
func RegisterLegacyRoutes(r gin.IRouter, h ProductRouteHandler, t RouteThrottle) {
	r.POST("/produits/create", t.chain(true, h.LegacyCreate)...)
	r.GET("/produits/all", t.chain(false, h.LegacyList)...)
	r.GET("/produit/:id", t.chain(false, h.Get)...)
	r.DELETE("/produits/:id", t.chain(true, h.LegacyDelete)...)
}
