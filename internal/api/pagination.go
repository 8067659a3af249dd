package api

import (
	"net/http"
	"strconv"
	"strings"
)

// Pagination response headers. http.Header.Get canonicalizes names, so the
// lookup is case-insensitive.
const (
	HeaderBefore    = "X-Pagination-Before"
	HeaderAfter     = "X-Pagination-After"
	HeaderHasBefore = "X-Pagination-Has-Before"
	HeaderHasAfter  = "X-Pagination-Has-After"
)

// PageMeta is the pagination metadata of a message page. A nil field means
// the header was missing or could not be coerced.
type PageMeta struct {
	Before    *int64
	After     *int64
	HasBefore *bool
	HasAfter  *bool
}

// Present reports whether the server sent any usable pagination header.
func (m PageMeta) Present() bool {
	return m.Before != nil || m.After != nil || m.HasBefore != nil || m.HasAfter != nil
}

// ParsePageMeta reads the pagination headers of h.
func ParsePageMeta(h http.Header) PageMeta {
	return PageMeta{
		Before:    parseNumber(h.Get(HeaderBefore)),
		After:     parseNumber(h.Get(HeaderAfter)),
		HasBefore: parseBool(h.Get(HeaderHasBefore)),
		HasAfter:  parseBool(h.Get(HeaderHasAfter)),
	}
}

func parseNumber(v string) *int64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// 兼容 "100.0" 这类数字
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || f != float64(int64(f)) {
			return nil
		}
		n = int64(f)
	}
	return &n
}

func parseBool(v string) *bool {
	var b bool
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true":
		b = true
	case "false":
		b = false
	default:
		return nil
	}
	return &b
}
