// Package auditlog appends operator actions on the ledger to
// logs/audit-log.csv inside the project directory.
package auditlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cleared-dev/marketledger/internal/model"
)

// Entry is one row in the audit log.
type Entry struct {
	Timestamp  time.Time
	Actor      string
	Action     string
	Subject    string // account, transaction or withdrawal id
	Details    string
	Reference  string
	CommitHash string
}

// Header is the CSV header for audit-log.csv.
const Header = "timestamp,actor,action,subject,details,reference,commit_hash"

const (
	numFields     = 7
	logDir        = "logs"
	logFile       = "logs/audit-log.csv"
	colTimestamp  = 0
	colActor      = 1
	colAction     = 2
	colSubject    = 3
	colDetails    = 4
	colReference  = 5
	colCommitHash = 6
)

// MarshalEntry converts an Entry to a CSV row.
func MarshalEntry(e Entry) []string {
	row := make([]string, numFields)
	row[colTimestamp] = e.Timestamp.UTC().Format(time.RFC3339)
	row[colActor] = e.Actor
	row[colAction] = e.Action
	row[colSubject] = e.Subject
	row[colDetails] = e.Details
	row[colReference] = e.Reference
	row[colCommitHash] = e.CommitHash
	return row
}

// UnmarshalEntry converts a CSV row to an Entry.
func UnmarshalEntry(record []string) (Entry, error) {
	if len(record) != numFields {
		return Entry{}, fmt.Errorf("expected %d fields, got %d", numFields, len(record))
	}

	ts, err := time.Parse(time.RFC3339, record[colTimestamp])
	if err != nil {
		return Entry{}, fmt.Errorf("parsing timestamp %q: %w", record[colTimestamp], err)
	}

	return Entry{
		Timestamp:  ts,
		Actor:      record[colActor],
		Action:     record[colAction],
		Subject:    record[colSubject],
		Details:    record[colDetails],
		Reference:  record[colReference],
		CommitHash: record[colCommitHash],
	}, nil
}

// FromTransactions builds one entry per ledger record.
func FromTransactions(at time.Time, actor, action string, txs []model.Transaction) []Entry {
	entries := make([]Entry, 0, len(txs))
	for _, t := range txs {
		entries = append(entries, Entry{
			Timestamp: at,
			Actor:     actor,
			Action:    action,
			Subject:   t.ID,
			Details: fmt.Sprintf("%s %s %s for %s (%s)",
				t.Category, t.Amount.StringFixed(2), t.Status, t.AccountID, t.Method),
			Reference: t.Reference,
		})
	}
	return entries
}

// Append writes entries to <projectDir>/logs/audit-log.csv, creating the file and header if needed.
func Append(projectDir string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	dir := filepath.Join(projectDir, logDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}

	path := filepath.Join(projectDir, logFile)
	needsHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if needsHeader {
		if err := cw.Write(strings.Split(Header, ",")); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}
	for i, e := range entries {
		if err := cw.Write(MarshalEntry(e)); err != nil {
			return fmt.Errorf("writing entry %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Read returns all entries from <projectDir>/logs/audit-log.csv.
// Returns an empty slice if the file does not exist.
func Read(projectDir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(projectDir, logFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	return readEntries(f)
}

func readEntries(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = numFields

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading audit log CSV: %w", err)
	}
	if len(records) <= 1 {
		return nil, nil
	}

	var entries []Entry
	for i, rec := range records[1:] {
		e, err := UnmarshalEntry(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
