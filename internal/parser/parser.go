package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/hash/sha256"
)

// identitySeparator joins identity field values into the natural key.
const identitySeparator = "|"

// identityEscaper escapes the separator and the escape character inside each
// value, so distinct value tuples never share a key.
var identityEscaper = strings.NewReplacer(`\`, `\\`, identitySeparator, `\`+identitySeparator)

// RecordHasher computes the content hash of a record.
type RecordHasher interface {
	HashRecord(rec crawler.Record) string
}

// Result is the outcome of parsing one page.
type Result struct {
	Records []crawler.Record
	// Skipped counts listing items dropped for a missing required or identity field.
	Skipped  int
	Warnings []*crawler.FieldCoercionWarning
}

// Items returns the number of listing items seen on the page.
func (r Result) Items() int { return len(r.Records) + r.Skipped }

// Parser extracts records from raw pages.
type Parser struct {
	hasher RecordHasher
}

// New builds a Parser. A nil hasher defaults to SHA-256.
func New(hasher RecordHasher) *Parser {
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Parser{hasher: hasher}
}

// Parse extracts records from page using target's mapping. A missing
// container is a *crawler.ParseError; a container without items is an empty,
// valid listing.
func (p *Parser) Parse(page crawler.RawPage, target crawler.Target) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Content))
	if err != nil {
		return Result{}, &crawler.ParseError{Target: target.Key, Cursor: page.Cursor, Reason: fmt.Sprintf("read html: %v", err)}
	}
	container := doc.Find(target.ContainerSelector)
	if container.Length() == 0 {
		return Result{}, &crawler.ParseError{
			Target: target.Key,
			Cursor: page.Cursor,
			Reason: fmt.Sprintf("container %q not found", target.ContainerSelector),
		}
	}

	var res Result
	container.Find(target.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		rec, warnings, ok := p.extract(item, page, target)
		res.Warnings = append(res.Warnings, warnings...)
		if !ok {
			res.Skipped++
			return
		}
		res.Records = append(res.Records, rec)
	})
	return res, nil
}

func (p *Parser) extract(item *goquery.Selection, page crawler.RawPage, target crawler.Target) (crawler.Record, []*crawler.FieldCoercionWarning, bool) {
	rec := crawler.Record{
		Target:    target.Key,
		Table:     target.Table,
		SourceURL: page.URL,
		FetchedAt: page.FetchedAt,
		Values:    make([]crawler.FieldValue, 0, len(target.Fields)),
	}
	var (
		warnings []*crawler.FieldCoercionWarning
		identity []string
	)
	for _, field := range target.Fields {
		raw, found := extractRaw(item, field)
		var value any
		if found && raw != "" {
			v, err := coerce(raw, field.Type, page.URL)
			if err != nil {
				warnings = append(warnings, &crawler.FieldCoercionWarning{
					Target: target.Key,
					Field:  field.Field,
					Type:   field.Type,
					Raw:    raw,
					Err:    err,
				})
			} else {
				value = v
			}
		}
		if value == nil && (field.Required || field.Identity) {
			return crawler.Record{}, warnings, false
		}
		if field.Identity {
			identity = append(identity, identityEscaper.Replace(crawler.FormatValue(value)))
		}
		rec.Values = append(rec.Values, crawler.FieldValue{Field: field.Field, Value: value})
	}
	rec.IdentityKey = strings.Join(identity, identitySeparator)
	rec.ContentHash = p.hasher.HashRecord(rec)
	return rec, warnings, true
}

func extractRaw(item *goquery.Selection, field crawler.FieldMapping) (string, bool) {
	sel := item
	if field.Selector != "" {
		sel = item.Find(field.Selector).First()
	}
	if sel.Length() == 0 {
		return "", false
	}
	if name, ok := field.Attribute(); ok {
		v, exists := sel.Attr(name)
		return strings.TrimSpace(v), exists
	}
	if field.Method == crawler.ExtractHTML {
		html, err := sel.Html()
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(html), true
	}
	return collapseSpace(sel.Text()), true
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Probe inspects a page without building records: it reports how many items
// the listing holds, whether the target's last-page marker is present, and
// whether the container was found at all.
func Probe(content []byte, target crawler.Target) (items int, last bool, structured bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return 0, false, false
	}
	container := doc.Find(target.ContainerSelector)
	if container.Length() == 0 {
		return 0, false, false
	}
	items = container.Find(target.ItemSelector).Length()
	if target.LastPageSelector != "" {
		last = doc.Find(target.LastPageSelector).Length() > 0
	}
	return items, last, true
}

// ValidateSelectors compiles every selector a target uses.
func ValidateSelectors(target crawler.Target) error {
	check := func(what, sel string) error {
		if sel == "" {
			return nil
		}
		if _, err := cascadia.Compile(sel); err != nil {
			return fmt.Errorf("target %q: %s selector %q: %w", target.Key, what, sel, err)
		}
		return nil
	}
	if err := check("container", target.ContainerSelector); err != nil {
		return err
	}
	if err := check("item", target.ItemSelector); err != nil {
		return err
	}
	if err := check("last page", target.LastPageSelector); err != nil {
		return err
	}
	for _, f := range target.Fields {
		if err := check("field "+f.Field, f.Selector); err != nil {
			return err
		}
	}
	return nil
}
