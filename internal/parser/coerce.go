package parser

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

var (
	digitsPattern = regexp.MustCompile(`-?\d+`)
	phonePattern  = regexp.MustCompile(`\+?\d[\d\- ]{4,}\d`)
	cjkDate       = regexp.MustCompile(`^(\d{4})年(\d{1,2})月(\d{1,2})日?$`)

	errNoDigits = errors.New("no digits")
	errNoPhone  = errors.New("no phone number")
)

var dateLayouts = []string{
	time.DateOnly,
	"2006/01/02",
	"2006.01.02",
	"2006-1-2",
	"2006/1/2",
}

func coerce(raw string, typ crawler.FieldType, base string) (any, error) {
	switch typ {
	case crawler.FieldInt:
		return coerceInt(raw)
	case crawler.FieldDate:
		return coerceDate(raw)
	case crawler.FieldPhone:
		return coercePhone(raw)
	case crawler.FieldURL:
		return coerceURL(raw, base)
	default:
		return raw, nil
	}
}

// coerceInt takes the first run of digits, so "120张" yields 120.
func coerceInt(raw string) (any, error) {
	m := digitsPattern.FindString(raw)
	if m == "" {
		return nil, errNoDigits
	}
	n, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse int: %w", err)
	}
	return n, nil
}

func coerceDate(raw string) (any, error) {
	s := strings.TrimSpace(raw)
	if m := cjkDate.FindStringSubmatch(s); m != nil {
		s = fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date %q", raw)
}

// coercePhone keeps the numbers found in raw, joined by commas.
func coercePhone(raw string) (any, error) {
	matches := phonePattern.FindAllString(raw, -1)
	if len(matches) == 0 {
		return nil, errNoPhone
	}
	for i, m := range matches {
		matches[i] = strings.ReplaceAll(m, " ", "")
	}
	return strings.Join(matches, ","), nil
}

func coerceURL(raw, base string) (any, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if ref.IsAbs() || base == "" {
		return ref.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}
