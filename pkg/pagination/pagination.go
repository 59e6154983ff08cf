package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 20
	MaxCount     = 100
)

// Params holds the paging parameters of a search request.
type Params struct {
	Count  int
	Offset int
}

// FromContext extracts paging from the request, clamping to the server's
// bounds. The page size comes from _count (pageSize accepted as an alias);
// the position comes from the 1-based page parameter.
func FromContext(c echo.Context) Params {
	count, _ := strconv.Atoi(c.QueryParam("_count"))
	if count <= 0 {
		count, _ = strconv.Atoi(c.QueryParam("pageSize"))
	}
	if count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	offset := 0
	if page, _ := strconv.Atoi(c.QueryParam("page")); page > 1 {
		offset = (page - 1) * count
	}

	return Params{Count: count, Offset: offset}
}

// HasNext reports whether another page follows the current one.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Count < total
}

// NextOffset returns the offset of the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Count
}

// PreviousOffset returns the offset of the previous page, floored at 0.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Count
	if prev < 0 {
		return 0
	}
	return prev
}
