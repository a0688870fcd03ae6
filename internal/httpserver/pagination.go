package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	// DefaultPageSize is the default number of items per page.
	DefaultPageSize = 25
	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 100
)

// CursorParams holds parsed keyset pagination parameters. ULIDs sort
// lexicographically in creation order, so the cursor is simply the last
// seen id — no separate timestamp component is needed the way a random
// UUID primary key would require.
type CursorParams struct {
	After string // empty means start from the beginning
	Limit int
}

// ParseCursorParams extracts cursor pagination parameters from the request.
func ParseCursorParams(r *http.Request) (CursorParams, error) {
	p := CursorParams{Limit: DefaultPageSize}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("limit must be a positive integer")
		}
		if n > MaxPageSize {
			n = MaxPageSize
		}
		p.Limit = n
	}

	p.After = r.URL.Query().Get("after")
	return p, nil
}

// CursorPage is the response envelope for cursor-paginated results.
type CursorPage[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

// NewCursorPage builds a CursorPage from a result set. Fetch items with
// limit+1 to detect whether more rows exist; idFn extracts the cursor value
// from the last item.
func NewCursorPage[T any](items []T, limit int, idFn func(T) string) CursorPage[T] {
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	page := CursorPage[T]{
		Items:   items,
		HasMore: hasMore,
	}

	if hasMore && len(items) > 0 {
		c := idFn(items[len(items)-1])
		page.NextCursor = &c
	}

	return page
}
