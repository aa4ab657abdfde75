package crawler

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PaginationMode selects how a target's listing is walked.
type PaginationMode string

// Supported pagination modes.
const (
	// PaginationFinitePage addresses each page by number through the URL template.
	PaginationFinitePage PaginationMode = "finite-page"
	// PaginationScrollToEnd loads a single listing and scrolls until no more rows appear.
	PaginationScrollToEnd PaginationMode = "scroll-to-end"
)

// RenderMode selects the fetcher implementation for a target.
type RenderMode string

// Supported render modes.
const (
	RenderBrowser RenderMode = "browser"
	RenderStatic  RenderMode = "static"
)

// FieldType is the declared type of a mapped field.
type FieldType string

// Supported field types.
const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldDate   FieldType = "date"
	FieldPhone  FieldType = "phone"
	FieldURL    FieldType = "url"
)

// ExtractMethod describes how a value is read from the matched element.
type ExtractMethod string

// Supported extraction methods. Attribute extraction uses the "attr:" prefix.
const (
	ExtractText ExtractMethod = "text"
	ExtractHTML ExtractMethod = "html"
)

// FieldMapping maps one element inside a listing item to a destination column.
type FieldMapping struct {
	Field    string
	Selector string
	Method   ExtractMethod
	Type     FieldType
	Required bool
	Identity bool
}

// Attribute returns the attribute name for "attr:<name>" extraction.
func (m FieldMapping) Attribute() (string, bool) {
	name, ok := strings.CutPrefix(string(m.Method), "attr:")
	return name, ok && name != ""
}

// Target is an immutable description of one scrapeable portal section.
type Target struct {
	Key               string
	Description       string
	Table             string
	URLTemplate       string
	Pagination        PaginationMode
	Render            RenderMode
	FirstPage         int
	MaxPages          int
	ContainerSelector string
	ItemSelector      string
	LastPageSelector  string
	Fields            []FieldMapping
}

// PageURL renders the listing URL for a cursor. Scroll targets ignore the cursor.
func (t Target) PageURL(cursor int) string {
	url := strings.ReplaceAll(t.URLTemplate, "{point}", t.Key)
	if t.Pagination == PaginationScrollToEnd {
		return url
	}
	return strings.ReplaceAll(url, "{page}", strconv.Itoa(cursor))
}

// StartCursor returns the first cursor to request.
func (t Target) StartCursor() int {
	if t.Pagination == PaginationScrollToEnd {
		return 0
	}
	if t.FirstPage > 0 {
		return t.FirstPage
	}
	return 1
}

// IdentityFields lists the fields composing the natural identity key, in mapping order.
func (t Target) IdentityFields() []string {
	var out []string
	for _, f := range t.Fields {
		if f.Identity {
			out = append(out, f.Field)
		}
	}
	return out
}

// Columns returns the destination columns in mapping order.
func (t Target) Columns() []string {
	out := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		out[i] = f.Field
	}
	return out
}

// FetchTask is the unit of work for one target cursor.
type FetchTask struct {
	Target  string
	Cursor  int
	Attempt int
}

// RawPage is a successfully fetched listing page.
type RawPage struct {
	Target       string
	Cursor       int
	URL          string
	Content      []byte
	FetchedAt    time.Time
	Attempts     int
	ScrollOffset int64
}

// ArchivePath is the object path of the page inside a run's archive.
func (p RawPage) ArchivePath(runID string) string {
	return fmt.Sprintf("%s/%s/%05d.html", runID, p.Target, p.Cursor)
}

// FieldValue is one normalized column value. A nil Value is stored as NULL.
type FieldValue struct {
	Field string
	Value any
}

// Record is a normalized row ready for deduplication.
type Record struct {
	Target      string
	Table       string
	IdentityKey string
	Values      []FieldValue
	ContentHash string
	SourceURL   string
	FetchedAt   time.Time
}

// Value looks up a field value by name.
func (r Record) Value(field string) (any, bool) {
	for _, v := range r.Values {
		if v.Field == field {
			return v.Value, true
		}
	}
	return nil, false
}

// Canonical serializes the ordered field values for content hashing.
func (r Record) Canonical() []byte {
	var buf bytes.Buffer
	for _, v := range r.Values {
		buf.WriteString(v.Field)
		buf.WriteByte('=')
		buf.WriteString(FormatValue(v.Value))
		buf.WriteByte(0x1e)
	}
	return buf.Bytes()
}

// FormatValue renders a field value in its canonical text form.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "\x00"
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case time.Time:
		return val.Format(time.DateOnly)
	default:
		return ""
	}
}

// WriteOutcome classifies the result of a dedup write.
type WriteOutcome string

// Write outcomes.
const (
	OutcomeInserted  WriteOutcome = "inserted"
	OutcomeUpdated   WriteOutcome = "updated"
	OutcomeUnchanged WriteOutcome = "unchanged"
)

// ChangeEvent is published when a record is inserted or updated.
type ChangeEvent struct {
	RunID       string            `json:"run_id"`
	Target      string            `json:"target"`
	Table       string            `json:"table"`
	IdentityKey string            `json:"identity_key"`
	Outcome     WriteOutcome      `json:"outcome"`
	ContentHash string            `json:"content_hash"`
	Fields      map[string]string `json:"fields"`
	At          time.Time         `json:"at"`
}

// Attributes returns message attributes for subscription filtering.
func (e ChangeEvent) Attributes() map[string]string {
	return map[string]string{
		"target":  e.Target,
		"table":   e.Table,
		"outcome": string(e.Outcome),
	}
}
