// Package rows turns a clicked registry row into a persisted artifact: it
// reads the row's metadata cells, derives a filename and stores the captured
// document.
package rows

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrExtraction reports row metadata that could not be read.
var ErrExtraction = errors.New("row extraction failed")

// Unknown stands in for a metadata cell the row does not have.
const Unknown = "unknown"

// Record is the metadata read from a row's first three cells.
type Record struct {
	WaqfID     string `json:"waqfId"`
	PropertyID string `json:"propertyId"`
	District   string `json:"district"`
}

// RowRange converts the optional 1-based inclusive bounds into a half-open
// 0-based range over rowCount rows. Non-positive bounds are ignored.
func RowRange(start, last *int, rowCount int) (from, to int) {
	if start != nil && *start > 0 {
		from = *start - 1
	}
	to = rowCount
	if last != nil && *last > 0 && *last < rowCount {
		to = *last
	}
	return from, to
}

// Filename derives the artifact name for a record.
func Filename(rec Record) string {
	return Sanitize(fmt.Sprintf("%s_%s_%s.pdf", rec.WaqfID, rec.PropertyID, rec.District))
}

// FallbackFilename names an artifact whose metadata could not be read. Both
// numbers are 1-based.
func FallbackFilename(table, row int) string {
	return fmt.Sprintf("table%d_row%d.pdf", table, row)
}

// Sanitize drops every character outside [A-Za-z0-9_.-].
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseCells reads the first three td cells of a row's outer HTML. Missing
// cells become Unknown; a row without cells is not an error.
func ParseCells(rowHTML string) (Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<table>" + rowHTML + "</table>"))
	if err != nil {
		return Record{}, fmt.Errorf("%w: parse row: %w", ErrExtraction, err)
	}
	cells := doc.Find("td")
	cell := func(i int) string {
		if i >= cells.Length() {
			return Unknown
		}
		return strings.TrimSpace(cells.Eq(i).Text())
	}
	return Record{
		WaqfID:     cell(0),
		PropertyID: cell(1),
		District:   cell(2),
	}, nil
}
