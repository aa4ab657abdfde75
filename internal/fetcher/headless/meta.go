package headless

import (
	"sync"

	"github.com/chromedp/cdproto/network"
)

// responseMeta records the main document response of the latest navigation.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status, m.url = 0, ""
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshot(requestURL string) (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	url := m.url
	if url == "" {
		url = requestURL
	}
	return m.status, url
}
