package pagination

import (
	"errors"
	"fmt"
	"strings"
)

// CQL fragments used for strategy selection and query construction.
const (
	// SortByID marks a query as sorted by the record identifier, which
	// enables ID-based pagination.
	SortByID = "sortBy id"

	// CQLAll matches every record.
	CQLAll = "cql.allRecords=1"
)

// ErrNotSortedByID is returned when ID-based pagination is requested for a
// query that does not sort by the record identifier.
var ErrNotSortedByID = errors.New("query must be sorted by id for ID-based pagination")

// usesIDStrategy decides the pagination strategy from the caller's query:
// an empty query or one sorted by id pages by identifier, everything else
// pages by offset.
func usesIDStrategy(query string) bool {
	return query == "" || strings.Contains(query, SortByID)
}

// prepareIDQuery validates and normalizes the base query for ID-based
// pagination.
func prepareIDQuery(query string) (string, error) {
	if query == "" {
		return CQLAll + " " + SortByID, nil
	}
	if !strings.Contains(query, SortByID) {
		return "", ErrNotSortedByID
	}
	return query, nil
}

// idOffsetQuery narrows the base query to identifiers greater than the
// last seen one. The server skips no records this way, so page latency
// stays flat regardless of how deep the scan is.
func idOffsetQuery(base, lastID string) string {
	return fmt.Sprintf(`id>"%s" and %s`, lastID, base)
}
