package mock

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// Upstream is a scripted HTTP server. The first Failures calls for each path+query
// answer with FailStatus, later calls answer with Body.
type Upstream struct {
	*httptest.Server

	Failures   int
	FailStatus int
	Body       string

	calls atomic.Int64
	mu    sync.Mutex
	seen  map[string]int
	block chan struct{}
}

// NewUpstream starts a server that fails the first failures calls per key, then serves body.
func NewUpstream(t *testing.T, failures int, body string) *Upstream {
	t.Helper()
	u := &Upstream{
		Failures:   failures,
		FailStatus: http.StatusServiceUnavailable,
		Body:       body,
		seen:       make(map[string]int),
	}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.Close)
	return u
}

// Block makes every following request wait until Release is called or the client goes away.
func (u *Upstream) Block() {
	u.mu.Lock()
	u.block = make(chan struct{})
	u.mu.Unlock()
}

// Release unblocks waiting requests.
func (u *Upstream) Release() {
	u.mu.Lock()
	if u.block != nil {
		close(u.block)
		u.block = nil
	}
	u.mu.Unlock()
}

// Calls returns the number of requests served so far.
func (u *Upstream) Calls() int {
	return int(u.calls.Load())
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.calls.Add(1)

	u.mu.Lock()
	key := r.URL.RequestURI()
	u.seen[key]++
	n := u.seen[key]
	block := u.block
	u.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
	}

	if n <= u.Failures {
		http.Error(w, "simulated failure", u.FailStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(u.Body))
}
