package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

func staticTarget(base string) crawler.Target {
	return crawler.Target{
		Key:         "cscs",
		Render:      crawler.RenderStatic,
		Pagination:  crawler.PaginationFinitePage,
		URLTemplate: base + "/{point}/list_{page}.html",
		MaxPages:    5,
	}
}

func openSession(t *testing.T, cfg Config) crawler.Session {
	t.Helper()
	s, err := New(cfg).Open(context.Background(), crawler.Target{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotHeader = r.Header.Get("X-Portal")
		assert.Equal(t, "/cscs/list_2.html", r.URL.Path)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<ul class="list"><li>救助站</li></ul>`)
	}))
	defer srv.Close()

	s := openSession(t, Config{UserAgents: []string{"civic-agent"}, Headers: http.Header{"X-Portal": {"1"}}})
	page, err := s.Fetch(context.Background(), staticTarget(srv.URL), 2)
	require.NoError(t, err)
	assert.Equal(t, "cscs", page.Target)
	assert.Equal(t, 2, page.Cursor)
	assert.Contains(t, string(page.Content), "救助站")
	assert.Equal(t, srv.URL+"/cscs/list_2.html", page.URL)
	assert.False(t, page.FetchedAt.IsZero())
	assert.Equal(t, "civic-agent", gotUA)
	assert.Equal(t, "1", gotHeader)
}

func TestFetchClassifiesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{status: http.StatusNotFound, permanent: true},
		{status: http.StatusForbidden, permanent: true},
		{status: http.StatusServiceUnavailable},
		{status: http.StatusTooManyRequests},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := openSession(t, Config{}).Fetch(context.Background(), staticTarget(srv.URL), 1)
			require.Error(t, err)
			assert.Equal(t, tc.permanent, crawler.IsPermanent(err))
			if !tc.permanent {
				var tr *crawler.TransientFetchError
				require.ErrorAs(t, err, &tr)
				assert.Equal(t, tc.status, tr.Status)
			}
		})
	}
}

func TestFetchSameURLTwice(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "<html></html>")
	}))
	defer srv.Close()

	s := openSession(t, Config{})
	for i := 0; i < 2; i++ {
		_, err := s.Fetch(context.Background(), staticTarget(srv.URL), 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := openSession(t, Config{Timeout: time.Second}).Fetch(context.Background(), staticTarget(base), 1)
	var tr *crawler.TransientFetchError
	require.ErrorAs(t, err, &tr)
	assert.False(t, crawler.IsPermanent(err))
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := openSession(t, Config{}).Fetch(ctx, staticTarget(srv.URL), 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}})
	s := &Session{factory: f}
	var result fetchResult
	hooks := &stubHooks{}
	s.configureCollectorHooks(hooks, &result)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	assert.Equal(t, http.StatusBadGateway, result.status)
	assert.EqualError(t, result.err, "boom")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
