// Package page holds the pagination request and result shapes shared by the
// registry search and audit queries.
package page

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultSize = 20
	MaxSize     = 100
)

// ErrInvalidRequest is returned for out-of-range page or size values.
var ErrInvalidRequest = errors.New("page: invalid request")

// Request selects one zero-based page.
type Request struct {
	Page int
	Size int
}

// Validate rejects negative pages and sizes outside 1..MaxSize.
func (r Request) Validate() error {
	if r.Page < 0 {
		return fmt.Errorf("%w: page must be >= 0", ErrInvalidRequest)
	}
	if r.Size < 1 || r.Size > MaxSize {
		return fmt.Errorf("%w: size must be between 1 and %d", ErrInvalidRequest, MaxSize)
	}
	return nil
}

// Offset is the number of items preceding the page.
func (r Request) Offset() int {
	return r.Page * r.Size
}

// Page is one page of results plus navigation metadata.
type Page[T any] struct {
	Content       []T       `json:"content"`
	Page          int       `json:"page"`
	Size          int       `json:"size"`
	TotalElements int64     `json:"total_elements"`
	TotalPages    int       `json:"total_pages"`
	First         bool      `json:"first"`
	Last          bool      `json:"last"`
	HasNext       bool      `json:"has_next"`
	HasPrevious   bool      `json:"has_previous"`
	Timestamp     time.Time `json:"timestamp"`
}

// New builds a page. Flags are derived only from (page, size, total).
func New[T any](items []T, req Request, total int64, now time.Time) Page[T] {
	if items == nil {
		items = []T{}
	}
	totalPages := TotalPages(total, req.Size)
	return Page[T]{
		Content:       items,
		Page:          req.Page,
		Size:          req.Size,
		TotalElements: total,
		TotalPages:    totalPages,
		First:         req.Page == 0,
		Last:          req.Page == totalPages-1,
		HasNext:       req.Page < totalPages-1,
		HasPrevious:   req.Page > 0,
		Timestamp:     now.UTC(),
	}
}

// TotalPages is ceil(total/size), zero for an empty result.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}

// Slice returns the window of items selected by req.
func Slice[T any](items []T, req Request) []T {
	start := req.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + req.Size
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}
