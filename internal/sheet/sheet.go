// Package sheet parses, merges and serializes the four-column answer sheet shared between the
// requester and the supplier. The id and question columns are protected: no merge or edit path
// changes them once a document exists.
package sheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
)

const (
	ColID = iota
	ColQuestion
	ColAnswer
	ColSource

	Width = 4
)

// Header is the canonical header row.
var Header = []string{"id", "question", "answer", "source"}

var (
	ErrMalformedCandidate = errors.New("malformed candidate")
	ErrProtectedColumn    = errors.New("column is protected")
	ErrRowOutOfRange      = errors.New("row out of range")
	ErrCorruptDocument    = errors.New("stored document corrupt")
)

// MalformedError wraps a tokenizer failure. It matches ErrMalformedCandidate.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed candidate: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == ErrMalformedCandidate }

// Document is a parsed sheet. Header is nil when the source carried no header row.
type Document struct {
	Header []string
	Rows   [][]string
}

// Question seeds one protected row of a new document.
type Question struct {
	ID       string `yaml:"id" json:"id"`
	Question string `yaml:"question" json:"question"`
}

// NewFromTemplate builds an empty answer sheet from template questions.
func NewFromTemplate(questions []Question) Document {
	doc := Document{Header: append([]string(nil), Header...)}
	for _, q := range questions {
		doc.Rows = append(doc.Rows, []string{q.ID, q.Question, "", ""})
	}
	return doc
}

// IsHeader reports whether the first four cells spell the canonical header, ignoring case and
// surrounding space.
func IsHeader(row []string) bool {
	if len(row) < Width {
		return false
	}
	for i, h := range Header {
		if !strings.EqualFold(strings.TrimSpace(row[i]), h) {
			return false
		}
	}
	return true
}

// ParseStored parses a persisted document. Failures match ErrCorruptDocument, never
// ErrMalformedCandidate.
func ParseStored(text string) (Document, error) {
	doc, err := Parse(text)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	return doc, nil
}

// Parse tokenizes comma-separated text. Quoted fields may contain commas, quotes and newlines;
// rows may have any number of cells. Header rows are detected by content wherever they appear and
// kept out of the data rows. Trailing rows made only of empty cells are dropped.
func Parse(text string) (Document, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return Document{}, &MalformedError{Err: err}
	}
	return FromRows(records), nil
}

// FromRows splits raw rows into header and data rows.
func FromRows(records [][]string) Document {
	var doc Document
	for _, rec := range records {
		if IsHeader(rec) {
			if doc.Header == nil {
				doc.Header = append([]string(nil), rec...)
			}
			continue
		}
		doc.Rows = append(doc.Rows, append([]string(nil), rec...))
	}
	for len(doc.Rows) > 0 && blank(doc.Rows[len(doc.Rows)-1]) {
		doc.Rows = doc.Rows[:len(doc.Rows)-1]
	}
	return doc
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Records returns header (when present) followed by data rows.
func (d Document) Records() [][]string {
	out := make([][]string, 0, len(d.Rows)+1)
	if d.Header != nil {
		out = append(out, append([]string(nil), d.Header...))
	}
	for _, row := range d.Rows {
		out = append(out, append([]string(nil), row...))
	}
	return out
}

// Serialize writes the document with the same delimiter and quoting convention Parse reads.
func Serialize(d Document) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.WriteAll(d.Records()); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := Document{}
	if d.Header != nil {
		out.Header = append([]string(nil), d.Header...)
	}
	for _, row := range d.Rows {
		out.Rows = append(out.Rows, append([]string(nil), row...))
	}
	return out
}

// SetCell overwrites an answer or source cell of data row index row (zero-based).
func SetCell(d Document, row, col int, value string) (Document, error) {
	if col != ColAnswer && col != ColSource {
		return d, fmt.Errorf("column %d: %w", col, ErrProtectedColumn)
	}
	if row < 0 || row >= len(d.Rows) {
		return d, fmt.Errorf("row %d of %d: %w", row, len(d.Rows), ErrRowOutOfRange)
	}
	out := d.Clone()
	out.Rows[row] = pad(out.Rows[row])
	out.Rows[row][col] = value
	return out, nil
}

func pad(row []string) []string {
	out := make([]string, Width)
	copy(out, row)
	return out
}
