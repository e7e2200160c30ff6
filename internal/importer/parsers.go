package importer

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// CSVParser parses cart CSVs with a header row. The listing_id column is
// required; price is optional and other columns are ignored.
type CSVParser struct{}

const (
	csvColListingID = "listing_id"
	csvColPrice     = "price"
)

// Format returns the parser name.
func (p *CSVParser) Format() string { return "csv" }

// Parse reads a cart CSV and returns its Items.
func (p *CSVParser) Parse(r io.Reader) ([]Item, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading cart CSV: %w", err)
	}
	if len(records) <= 1 {
		return nil, nil
	}

	idCol, priceCol := -1, -1
	for i, name := range records[0] {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case csvColListingID:
			idCol = i
		case csvColPrice:
			priceCol = i
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("missing %s column", csvColListingID)
	}

	var items []Item
	for i, rec := range records[1:] {
		if strings.TrimSpace(rec[idCol]) == "" {
			continue
		}
		item, err := parseID(rec[idCol])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		if priceCol >= 0 && item.Plan == "" {
			if s := strings.TrimSpace(rec[priceCol]); s != "" {
				price, err := decimal.NewFromString(s)
				if err != nil {
					return nil, fmt.Errorf("row %d: parsing price %q: %w", i+2, s, err)
				}
				item.Price = decimal.NewNullDecimal(price)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// TextParser parses one listing id per line. Blank lines and lines starting
// with # are skipped.
type TextParser struct{}

// Format returns the parser name.
func (p *TextParser) Format() string { return "text" }

// Parse reads a listing id list and returns its Items.
func (p *TextParser) Parse(r io.Reader) ([]Item, error) {
	var items []Item
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		item, err := parseID(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading cart list: %w", err)
	}
	return items, nil
}
