// Package paging drains cursor-paginated remote listings.
package paging

import "context"

// DefaultPageSize is the number of items the backend returns per call. A
// shorter page marks the end of the listing.
const DefaultPageSize = 10

type FetchFunc[T any] func(ctx context.Context, cursor string) ([]T, error)

// Drain calls fetch until a page comes back shorter than pageSize, passing
// the id of the last item seen as the cursor of the next call. When the
// listing length is an exact multiple of pageSize the final call returns an
// empty page.
//
// Any fetch error aborts the loop; the items gathered so far are dropped
// and only the error is returned.
func Drain[T any](ctx context.Context, pageSize int, cursorOf func(T) string, fetch FetchFunc[T]) ([]T, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	items := make([]T, 0, pageSize)
	cursor := ""
	for {
		page, err := fetch(ctx, cursor)
		if err != nil {
			return nil, err
		}
		items = append(items, page...)
		if len(page) < pageSize {
			return items, nil
		}
		cursor = cursorOf(page[len(page)-1])
	}
}
