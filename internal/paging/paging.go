// internal/paging/paging.go

// Package paging parses list query parameters and turns them into safe
// ORDER BY / LIMIT / OFFSET clauses.
package paging

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const MaxLimit = 100

// Defaults differ per endpoint.
type Defaults struct {
	Limit     int
	Order     string
	Direction string
}

// Page is a validated page request. Column is always a whitelisted column
// name, never caller text.
type Page struct {
	Number    int
	Limit     int
	Order     string
	Column    string
	Direction string
}

// Parse reads page, limit, order and direction. Out of range numbers are
// clamped: page below 1 becomes 1, limit above 100 becomes 100 and limit below
// 1 becomes 10. Unknown order keys fall back to the default order.
func Parse(v url.Values, d Defaults, columns map[string]string) Page {
	p := Page{
		Number:    atoiOr(v.Get("page"), 1),
		Limit:     atoiOr(v.Get("limit"), d.Limit),
		Order:     v.Get("order"),
		Direction: strings.ToUpper(v.Get("direction")),
	}

	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Limit < 1 {
		p.Limit = 10
	}
	if p.Number < 1 {
		p.Number = 1
	}

	col, ok := columns[p.Order]
	if !ok {
		p.Order = d.Order
		col = columns[d.Order]
	}
	p.Column = col

	if p.Direction != "ASC" && p.Direction != "DESC" {
		p.Direction = strings.ToUpper(d.Direction)
		if p.Direction != "DESC" {
			p.Direction = "ASC"
		}
	}
	return p
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Offset is the number of rows skipped before this page.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Limit
}

// Clause returns the ORDER BY/LIMIT/OFFSET suffix and its two arguments. One
// extra row is fetched so Trim can tell whether a next page exists.
func (p Page) Clause() (string, []interface{}) {
	clause := fmt.Sprintf(" ORDER BY %s %s, id %s LIMIT ? OFFSET ?", p.Column, p.Direction, p.Direction)
	return clause, []interface{}{p.Limit + 1, p.Offset()}
}

// Result is one page of items.
type Result[T any] struct {
	Items   []T
	HasNext bool
	HasPrev bool
	Page    Page
}

// Trim drops the look-ahead row fetched by Clause.
func Trim[T any](items []T, p Page) Result[T] {
	r := Result[T]{Items: items, Page: p, HasPrev: p.Number > 1}
	if len(items) > p.Limit {
		r.Items = items[:p.Limit]
		r.HasNext = true
	}
	if r.Items == nil {
		r.Items = []T{}
	}
	return r
}
