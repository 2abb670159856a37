package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FOLIO-FSE/folioclient-go/internal/testutil"
	"github.com/FOLIO-FSE/folioclient-go/pkg/auth"
)

func newTestClient(t *testing.T, mock *testutil.MockGateway, policies Policies) *Client {
	t.Helper()
	c, err := New(Config{
		GatewayURL:    mock.URL(),
		Tenant:        "diku",
		Username:      "diku_admin",
		Password:      "secret",
		RetryPolicies: policies,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientGet(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.SetResponse("/instances/123", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"id":"123","title":"A Book"}`,
	})

	c := newTestClient(t, mock, nil)

	body, err := c.Get(context.Background(), "/instances/123", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(string(body), "A Book") {
		t.Errorf("body = %s", body)
	}
	if mock.Logins() != 1 {
		t.Errorf("logins = %d, want 1 (lazy login before the first request)", mock.Logins())
	}
	if got := mock.LastHeader().Get("x-okapi-tenant"); got != "diku" {
		t.Errorf("tenant header = %q, want diku", got)
	}
	if cookie := mock.LastHeader().Get("Cookie"); !strings.Contains(cookie, "folioAccessToken=token-1") {
		t.Errorf("cookie = %q, want session cookie token-1", cookie)
	}
}

func TestClientGetJSON(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.SetResponse("/instances/123", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"id":"123","title":"A Book"}`,
	})

	c := newTestClient(t, mock, nil)

	var out struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := c.GetJSON(context.Background(), "/instances/123", nil, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Title != "A Book" {
		t.Errorf("Title = %q", out.Title)
	}
}

func TestClientRejectedSessionRefreshesOnce(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.QueueResponses("/instances",
		testutil.MockResponse{StatusCode: 401, Body: `{"errors":[{"message":"token expired"}]}`},
	)
	mock.SetResponse("/instances", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"instances":[]}`,
	})

	c := newTestClient(t, mock, nil)

	if _, err := c.Get(context.Background(), "/instances", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mock.Logins() != 2 {
		t.Errorf("logins = %d, want 2 (initial plus one refresh)", mock.Logins())
	}
	if cookie := mock.LastHeader().Get("Cookie"); !strings.Contains(cookie, "folioAccessToken=token-2") {
		t.Errorf("cookie = %q, want refreshed token-2", cookie)
	}
}

func TestClientPersistentRejectionIsFatal(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.SetResponse("/instances", testutil.MockResponse{
		StatusCode: 401,
		Body:       `{"errors":[{"message":"token expired"}]}`,
	})

	c := newTestClient(t, mock, nil)

	_, err := c.Get(context.Background(), "/instances", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if ClassOf(err) != ClassAuthentication {
		t.Errorf("class = %s, want %s", ClassOf(err), ClassAuthentication)
	}
	if mock.Logins() != 2 {
		t.Errorf("logins = %d, want 2 (exactly one refresh attempt)", mock.Logins())
	}
}

func TestClientClosedFailsFast(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()

	c := newTestClient(t, mock, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := c.Get(context.Background(), "/instances", nil)
	if !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
	if ClassOf(err) != ClassClientClosed {
		t.Errorf("class = %s, want %s", ClassOf(err), ClassClientClosed)
	}
	if mock.Requests() != 0 {
		t.Errorf("requests = %d, want 0 (no network I/O after close)", mock.Requests())
	}
}

func TestClientValidationErrorNotRetried(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.SetResponse("/instances", testutil.MockResponse{
		StatusCode: 422,
		Body:       `{"errors":[{"message":"title is required"}]}`,
	})

	policies := Policies{ClassServer: {MaxAttempts: 3, InitialDelay: time.Millisecond}}
	c := newTestClient(t, mock, policies)

	err := c.PostJSON(context.Background(), "/instances", map[string]string{"id": "1"}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if ClassOf(err) != ClassValidation {
		t.Errorf("class = %s, want %s", ClassOf(err), ClassValidation)
	}
	// One login plus one request: the failure surfaced immediately.
	if got := mock.Requests(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatal("expected *Error")
	}
	if apiErr.Method != "POST" || apiErr.Path != "/instances" {
		t.Errorf("error context = %s %s, want POST /instances", apiErr.Method, apiErr.Path)
	}
	if !strings.Contains(apiErr.Body, "title is required") {
		t.Errorf("error body = %q, want remote detail", apiErr.Body)
	}
}

func TestClientRetriesUnavailable(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.QueueResponses("/instances",
		testutil.MockResponse{StatusCode: 503, Body: `{"errors":[{"message":"restarting"}]}`},
	)
	mock.SetRecords("/instances", "instances", []map[string]any{
		{"id": "1", "title": "A Book"},
	})

	policies := Policies{ClassUnavailable: {MaxAttempts: 2, InitialDelay: time.Millisecond}}
	c := newTestClient(t, mock, policies)

	body, err := c.Get(context.Background(), "/instances", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(string(body), "A Book") {
		t.Errorf("body = %s", body)
	}
	// One login, one 503, one successful retry.
	if got := mock.Requests(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestClientRetryExhaustion(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.SetResponse("/instances", testutil.MockResponse{
		StatusCode: 503,
		Body:       `{"errors":[{"message":"restarting"}]}`,
	})

	policies := Policies{ClassUnavailable: {MaxAttempts: 2, InitialDelay: time.Millisecond}}
	c := newTestClient(t, mock, policies)

	_, err := c.Get(context.Background(), "/instances", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if ClassOf(err) != ClassUnavailable {
		t.Errorf("class = %s, want %s", ClassOf(err), ClassUnavailable)
	}
}

func TestClientBadCredentials(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.FailLogin = &testutil.MockResponse{
		StatusCode: 422,
		Body:       `{"errors":[{"message":"password invalid"}]}`,
	}

	c := newTestClient(t, mock, nil)

	_, err := c.Get(context.Background(), "/instances", nil)
	if !errors.Is(err, auth.ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
	if ClassOf(err) != ClassAuthentication {
		t.Errorf("class = %s, want %s", ClassOf(err), ClassAuthentication)
	}
}

func TestClientPoolTimeout(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.SetResponse("/instances", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"instances":[]}`,
		Delay:      500 * time.Millisecond,
	})

	c, err := New(Config{
		GatewayURL:     mock.URL(),
		Tenant:         "diku",
		Username:       "diku_admin",
		Password:       "secret",
		MaxConcurrency: 1,
		Timeouts:       Timeouts{Pool: Timeout(50 * time.Millisecond)},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.Get(context.Background(), "/instances", nil); err != nil {
			t.Errorf("slot-holding request failed: %v", err)
		}
	}()

	// Let the first request take the only slot and sit in its delayed
	// response.
	time.Sleep(150 * time.Millisecond)

	_, err = c.Get(context.Background(), "/instances", nil)
	if !errors.Is(err, ErrPoolTimeout) {
		t.Fatalf("expected ErrPoolTimeout, got %v", err)
	}
	if ClassOf(err) != ClassConnection {
		t.Errorf("class = %s, want %s", ClassOf(err), ClassConnection)
	}
	wg.Wait()
}

func TestClientRateLimitedWaitCancelled(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.SetResponse("/instances", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"instances":[]}`,
	})

	c, err := New(Config{
		GatewayURL: mock.URL(),
		Tenant:     "diku",
		Username:   "diku_admin",
		Password:   "secret",
		RateLimit:  1, // one request per second, burst 1
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	// The first request consumes the only burst token.
	if _, err := c.Get(context.Background(), "/instances", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	before := mock.Requests()

	// The second would have to wait about a second for the next token;
	// its context expires first and the limiter rejects it up front.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Get(ctx, "/instances", nil)
	if err == nil {
		t.Fatal("expected the limiter wait to fail under the context deadline")
	}
	if ClassOf(err) != ClassConnection {
		t.Errorf("class = %s, want %s", ClassOf(err), ClassConnection)
	}
	if got := mock.Requests(); got != before {
		t.Errorf("requests = %d, want %d (rejected before any network I/O)", got, before)
	}
}

func TestClientDelete(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.SetResponse("/instances/123", testutil.MockResponse{StatusCode: 204})

	c := newTestClient(t, mock, nil)

	if err := c.Delete(context.Background(), "/instances/123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestClientFetchPage(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()
	mock.SetRecords("/locations", "locations", []map[string]any{
		{"id": "1", "name": "Main"},
		{"id": "2", "name": "Annex"},
		{"id": "3", "name": "Storage"},
	})

	c := newTestClient(t, mock, nil)

	records, err := c.All("/locations", "locations", "", 2).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("records = %d, want 3", len(records))
	}
}

func TestClientQueryEncoding(t *testing.T) {
	mock := testutil.NewMockGateway()
	defer mock.Close()

	var gotQuery url.Values
	mock.SetHandler("/instances", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})

	c := newTestClient(t, mock, nil)

	q := url.Values{}
	q.Set("query", `title="go" sortBy id`)
	if _, err := c.Get(context.Background(), "/instances", q); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := gotQuery.Get("query"); got != `title="go" sortBy id` {
		t.Errorf("query = %q, survived encoding incorrectly", got)
	}
}
