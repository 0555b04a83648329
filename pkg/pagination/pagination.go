package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Params holds 1-based page parameters extracted from a request.
type Params struct {
	Page     int
	PageSize int
}

// ParamError reports a malformed pagination query parameter.
type ParamError struct {
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Param, e.Reason)
}

// FromContext reads page and page_size from the query string. Absent values
// take the defaults; non-numeric values are an error.
func FromContext(c echo.Context) (Params, error) {
	p := Params{Page: 1, PageSize: DefaultPageSize}

	if raw := c.QueryParam("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, &ParamError{Param: "page", Reason: "must be an integer"}
		}
		p.Page = n
	}
	if raw := c.QueryParam("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, &ParamError{Param: "page_size", Reason: "must be an integer"}
		}
		p.PageSize = n
	}
	return p, nil
}

// Normalize applies the default page size to a zero value and checks bounds.
func (p Params) Normalize() (Params, error) {
	if p.PageSize == 0 {
		p.PageSize = DefaultPageSize
	}
	if p.Page < 1 {
		return p, &ParamError{Param: "page", Reason: "must be at least 1"}
	}
	if p.PageSize < 1 || p.PageSize > MaxPageSize {
		return p, &ParamError{Param: "page_size", Reason: fmt.Sprintf("must be between 1 and %d", MaxPageSize)}
	}
	return p, nil
}

// Offset returns the number of rows preceding the page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Limit returns the number of rows in a full page.
func (p Params) Limit() int {
	return p.PageSize
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
	HasMore    bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	pages := 0
	if p.PageSize > 0 {
		pages = (total + p.PageSize - 1) / p.PageSize
	}
	return &Response{
		Data:       data,
		Total:      total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: pages,
		HasMore:    p.Page < pages,
	}
}
