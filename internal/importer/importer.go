// Package importer reads cart files for checkout.
package importer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cleared-dev/marketledger/internal/model"
)

// planPrefix marks a row that buys a plan instead of a listing.
const planPrefix = "plan:"

// Item is one line of a cart file.
type Item struct {
	ListingID string
	Plan      model.PlanType      // set for plan rows, ListingID is empty
	Price     decimal.NullDecimal // price captured when the cart was saved
}

// Parser converts a cart file into Items.
type Parser interface {
	Parse(r io.Reader) ([]Item, error)
	Format() string
}

// Registry holds named parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register adds a parser. Panics on duplicate format.
func (r *Registry) Register(p Parser) {
	key := strings.ToLower(p.Format())
	if _, ok := r.parsers[key]; ok {
		panic("duplicate parser format: " + key)
	}
	r.parsers[key] = p
}

// Get returns the parser for format, or nil.
func (r *Registry) Get(format string) Parser {
	return r.parsers[strings.ToLower(format)]
}

// DefaultRegistry returns a registry with all built-in parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&CSVParser{})
	r.Register(&TextParser{})
	return r
}

// FormatFor picks a format from the file extension.
func FormatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".txt") {
		return "text"
	}
	return "csv"
}

// File is a parsed cart file. ID is derived from the content, so loading the
// same unchanged file again yields the same cart id and creation date.
type File struct {
	Path      string
	ID        string
	CreatedAt time.Time
	Items     []Item
}

// Load reads and parses the cart file at path. An empty format is picked
// from the extension.
func (r *Registry) Load(path, format string) (File, error) {
	if format == "" {
		format = FormatFor(path)
	}
	p := r.Get(format)
	if p == nil {
		return File{}, fmt.Errorf("unknown cart format %q", format)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading cart file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat cart file: %w", err)
	}

	items, err := p.Parse(bytes.NewReader(data))
	if err != nil {
		return File{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if len(items) == 0 {
		return File{}, fmt.Errorf("cart file %s has no items", filepath.Base(path))
	}

	return File{
		Path:      path,
		ID:        uuid.NewSHA1(uuid.NameSpaceURL, data).String(),
		CreatedAt: info.ModTime().UTC(),
		Items:     items,
	}, nil
}

// processedDir is the sibling directory checked-out carts move to.
const processedDir = "processed"

// Archive moves a checked-out cart file into a processed/ directory next to it.
func Archive(path string) (string, error) {
	dstDir := filepath.Join(filepath.Dir(path), processedDir)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", fmt.Errorf("creating processed dir: %w", err)
	}

	dst := filepath.Join(dstDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("moving %s to processed: %w", filepath.Base(path), err)
	}
	return dst, nil
}

// parseID turns a listing id cell into an Item.
func parseID(cell string) (Item, error) {
	cell = strings.TrimSpace(cell)
	if rest, ok := strings.CutPrefix(cell, planPrefix); ok {
		plan := model.PlanType(strings.ToLower(strings.TrimSpace(rest)))
		if _, ok := model.LookupPlan(plan); !ok {
			return Item{}, fmt.Errorf("unknown plan %q", rest)
		}
		return Item{Plan: plan}, nil
	}
	return Item{ListingID: cell}, nil
}
