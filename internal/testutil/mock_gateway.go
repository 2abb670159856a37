// Package testutil provides a configurable mock FOLIO gateway for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Login endpoints the mock understands.
const (
	LoginWithExpiryPath = "/authn/login-with-expiry"
	LoginLegacyPath     = "/authn/login"
)

// MockResponse defines the behavior for one mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGateway is a configurable mock FOLIO gateway for testing.
type MockGateway struct {
	server *httptest.Server

	mu        sync.Mutex
	handlers  map[string]http.HandlerFunc
	sequences map[string][]MockResponse

	// LegacyMode makes the expiry-aware login endpoint answer 404 so
	// clients fall back to the legacy endpoint.
	LegacyMode bool

	// FailLogin overrides the login response when set.
	FailLogin *MockResponse

	// TokenTTL is the advertised access token lifetime.
	TokenTTL time.Duration

	// Tracking
	RequestCount      int
	LoginCount        int
	LastRequestHeader http.Header
	loginSeq          int
}

// NewMockGateway creates a mock gateway with a 10 minute token TTL.
func NewMockGateway() *MockGateway {
	mock := &MockGateway{
		handlers:  make(map[string]http.HandlerFunc),
		sequences: make(map[string][]MockResponse),
		TokenTTL:  10 * time.Minute,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.dispatch))
	return mock
}

// URL returns the mock gateway URL.
func (m *MockGateway) URL() string {
	return m.server.URL
}

// Close shuts down the mock gateway.
func (m *MockGateway) Close() {
	m.server.Close()
}

// Reset clears tracking counters and queued responses.
func (m *MockGateway) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LoginCount = 0
	m.loginSeq = 0
	m.LastRequestHeader = nil
	m.sequences = make(map[string][]MockResponse)
}

// Logins returns the number of login exchanges performed.
func (m *MockGateway) Logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LoginCount
}

// Requests returns the total number of requests received.
func (m *MockGateway) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// LastHeader returns the headers of the most recent request.
func (m *MockGateway) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastRequestHeader
}

// CurrentToken returns the most recently issued access token.
func (m *MockGateway) CurrentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("token-%d", m.loginSeq)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockGateway) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockGateway) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeMockResponse(w, resp)
	})
}

// QueueResponses configures a sequence of responses for a path, consumed
// one per request. When the queue drains, the path's fixed handler (or the
// default) takes over.
func (m *MockGateway) QueueResponses(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = append(m.sequences[path], responses...)
}

// SetRecords serves a paged record collection at path under the given JSON
// key. The handler honors limit, offset, CQL id filters (`id>"..."`) and
// `sortBy id`, mimicking a FOLIO search endpoint.
func (m *MockGateway) SetRecords(path, key string, records []map[string]any) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		serveRecords(w, r, key, records)
	})
}

// dispatch routes a request to login handling, queued responses, custom
// handlers, or the default 404.
func (m *MockGateway) dispatch(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()

	if r.URL.Path == LoginWithExpiryPath || r.URL.Path == LoginLegacyPath {
		m.handleLoginLocked(w, r)
		m.mu.Unlock()
		return
	}

	if queue := m.sequences[r.URL.Path]; len(queue) > 0 {
		resp := queue[0]
		m.sequences[r.URL.Path] = queue[1:]
		m.mu.Unlock()
		writeMockResponse(w, resp)
		return
	}

	handler, exists := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if exists {
		handler(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, `{"errors":[{"message":"no such endpoint: %s"}]}`, r.URL.Path)
}

// handleLoginLocked implements both login endpoints. Callers hold m.mu.
func (m *MockGateway) handleLoginLocked(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == LoginWithExpiryPath && m.LegacyMode {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if m.FailLogin != nil {
		writeMockResponse(w, *m.FailLogin)
		return
	}

	m.LoginCount++
	m.loginSeq++
	token := fmt.Sprintf("token-%d", m.loginSeq)

	if r.URL.Path == LoginLegacyPath {
		w.Header().Set("x-okapi-token", token)
		w.WriteHeader(http.StatusCreated)
		return
	}

	expiry := time.Now().Add(m.TokenTTL).UTC()
	http.SetCookie(w, &http.Cookie{Name: "folioAccessToken", Value: token, Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: "folioRefreshToken", Value: "refresh-" + token, Path: "/"})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"accessTokenExpiration":%q,"refreshTokenExpiration":%q}`,
		expiry.Format(time.RFC3339), expiry.Add(24*time.Hour).Format(time.RFC3339))
}

// writeMockResponse writes a scripted response.
func writeMockResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

var idFilterRe = regexp.MustCompile(`id>"([^"]*)"`)

// serveRecords answers one page of a record collection, applying the CQL
// id filter, id sort, offset and limit from the request.
func serveRecords(w http.ResponseWriter, r *http.Request, key string, records []map[string]any) {
	query := r.URL.Query().Get("query")

	matched := make([]map[string]any, 0, len(records))
	afterID := ""
	if m := idFilterRe.FindStringSubmatch(query); m != nil {
		afterID = m[1]
	}
	for _, rec := range records {
		id, _ := rec["id"].(string)
		if afterID != "" && id <= afterID {
			continue
		}
		matched = append(matched, rec)
	}

	if strings.Contains(query, "sortBy id") {
		sort.Slice(matched, func(i, j int) bool {
			a, _ := matched[i]["id"].(string)
			b, _ := matched[j]["id"].(string)
			return a < b
		})
	}

	total := len(matched)

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}

	doc := map[string]any{
		key:            matched,
		"totalRecords": total,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}
