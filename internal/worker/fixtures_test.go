package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/fetcher"
)

func yljgTarget(maxPages int) crawler.Target {
	return crawler.Target{
		Key:               "yljg",
		Table:             "elderly_care_institutions",
		URLTemplate:       "https://mzj.sz.gov.cn/cn/isz/{point}/index_{page}.html",
		Pagination:        crawler.PaginationFinitePage,
		Render:            crawler.RenderBrowser,
		MaxPages:          maxPages,
		ContainerSelector: ".content",
		ItemSelector:      ".dataItem",
		LastPageSelector:  ".pagination .next.disabled",
		Fields: []crawler.FieldMapping{
			{Field: "name", Selector: "h4.title", Method: crawler.ExtractText, Type: crawler.FieldString, Required: true, Identity: true},
			{Field: "address", Selector: "li > p", Method: crawler.ExtractText, Type: crawler.FieldString},
		},
	}
}

func jzzTarget() crawler.Target {
	t := yljgTarget(0)
	t.Key = "jzz"
	t.Table = "rescue_stations"
	t.URLTemplate = "https://mzj.sz.gov.cn/cn/isz/{point}/index.html"
	t.Pagination = crawler.PaginationScrollToEnd
	t.LastPageSelector = ""
	return t
}

// listing renders a listing page with n items whose names embed the cursor.
func listing(cursor, n int, last bool) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="content">`)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<div class="dataItem"><h4 class="title">机构-%d-%d</h4><ul><li><p>福田区 %d 号</p></li></ul></div>`, cursor, i, i)
	}
	b.WriteString(`</div>`)
	if last {
		b.WriteString(`<div class="pagination"><span class="next disabled">下一页</span></div>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

// fakeSessions serves canned listing pages and scripted errors per cursor.
type fakeSessions struct {
	mu      sync.Mutex
	pages   map[int]string
	errs    map[int][]error
	openErr error
	block   bool
	delay   time.Duration
	calls   map[int]int
	opened  int
	closed  int
}

func (f *fakeSessions) Open(context.Context, crawler.Target) (crawler.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	return &fakeSession{owner: f}, nil
}

func (f *fakeSessions) Calls(cursor int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[cursor]
}

func (f *fakeSessions) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeSessions) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSessions) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// fakeSession stays dead once it has returned a crawler.ErrSessionLost error.
type fakeSession struct {
	owner *fakeSessions
	dead  bool
}

func (s *fakeSession) Fetch(ctx context.Context, target crawler.Target, cursor int) (crawler.RawPage, error) {
	f := s.owner
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[int]int)
	}
	f.calls[cursor]++
	if s.dead {
		f.mu.Unlock()
		return crawler.RawPage{}, sessionLost(target.Key, cursor)
	}
	var err error
	if queue := f.errs[cursor]; len(queue) > 0 {
		err, f.errs[cursor] = queue[0], queue[1:]
	}
	if errors.Is(err, crawler.ErrSessionLost) {
		s.dead = true
	}
	body, ok := f.pages[cursor]
	block := f.block
	delay := f.delay
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return crawler.RawPage{}, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return crawler.RawPage{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return crawler.RawPage{}, err
	}
	if !ok {
		body = listing(cursor, 0, false)
	}
	return crawler.RawPage{
		Target:    target.Key,
		Cursor:    cursor,
		URL:       target.PageURL(cursor),
		Content:   []byte(body),
		FetchedAt: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
	}, nil
}

func (s *fakeSession) Close() error {
	s.owner.mu.Lock()
	s.owner.closed++
	s.owner.mu.Unlock()
	return nil
}

func fastRetrier(rec fetcher.AttemptRecorder) *fetcher.Retrier {
	return fetcher.NewRetrier(fetcher.RetrierConfig{
		Policy:   crawler.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Recorder: rec,
	})
}

func transient(target string, cursor int) error {
	return &crawler.TransientFetchError{Target: target, Cursor: cursor, Reason: "connection reset"}
}

func sessionLost(target string, cursor int) error {
	return &crawler.TransientFetchError{
		Target: target,
		Cursor: cursor,
		Reason: "browser session lost",
		Err:    fmt.Errorf("%w: target closed", crawler.ErrSessionLost),
	}
}
