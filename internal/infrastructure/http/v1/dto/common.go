// Package dto provides request and response bodies for the HTTP API.
package dto

// PageRequest holds offset paging parameters.
type PageRequest struct {
	Offset int `form:"offset" binding:"min=0"`
	Limit  int `form:"limit" binding:"min=0,max=100"`
}

// LegacyPageRequest holds the skip/limit parameters of the original routes.
type LegacyPageRequest struct {
	Skip  int `form:"skip" binding:"min=0"`
	Limit int `form:"limit" binding:"min=0,max=100"`
}

// ListResponse wraps a page of items.
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// DetailResponse is the plain acknowledgement body of the original routes.
type DetailResponse struct {
	Detail string `json:"detail"`
}
