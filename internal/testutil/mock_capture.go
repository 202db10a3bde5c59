// Package testutil provides testing utilities for the Capture client.
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

	"github.com/google/uuid"
)

// Test credentials accepted by the mock.
const (
	ClientID     = "test-client-id"
	ClientSecret = "test-client-secret"
)

// idFilter matches the cursor condition of a find filter.
var idFilter = regexp.MustCompile(`id > (\d+)`)

// MockResponse defines a canned HTTP response.
type MockResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockCapture is an in-memory Capture API for testing. Entities live in
// per-schema slices ordered by id; entity.find honours only the "id > N"
// part of a filter.
type MockCapture struct {
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	entities map[string][]map[string]any
	nextID   int64
	queued   []MockResponse

	// RejectWhen marks records bulkCreate refuses with a unique_violation.
	RejectWhen func(record map[string]any) bool

	// Delay is added to every call.
	Delay time.Duration

	// Tracking
	RequestCount  int
	CommandCounts map[string]int
	Filters       []string
	MaxResults    []int
	BatchSizes    []int
	CommitEach    []bool
	InFlight      int
	MaxInFlight   int
}

// NewMockCapture creates a new mock Capture server.
func NewMockCapture() *MockCapture {
	mock := &MockCapture{
		handlers:      make(map[string]func(w http.ResponseWriter, r *http.Request)),
		entities:      make(map[string][]map[string]any),
		CommandCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		command := strings.TrimPrefix(r.URL.Path, "/")

		mock.mu.Lock()
		mock.RequestCount++
		mock.CommandCounts[command]++
		mock.InFlight++
		if mock.InFlight > mock.MaxInFlight {
			mock.MaxInFlight = mock.InFlight
		}
		delay := mock.Delay
		handler, exists := mock.handlers[command]
		var queued *MockResponse
		if len(mock.queued) > 0 {
			queued = &mock.queued[0]
			mock.queued = mock.queued[1:]
		}
		mock.mu.Unlock()

		defer func() {
			mock.mu.Lock()
			mock.InFlight--
			mock.mu.Unlock()
		}()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if queued != nil {
			writeResponse(w, *queued)
			return
		}
		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r, command)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCapture) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCapture) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockCapture) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.CommandCounts = make(map[string]int)
	m.Filters = nil
	m.MaxResults = nil
	m.BatchSizes = nil
	m.CommitEach = nil
	m.MaxInFlight = 0
}

// SetHandler sets a custom handler for a command, e.g. "entity.find".
func (m *MockCapture) SetHandler(command string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[command] = handler
}

// SetResponse configures a fixed response for a command.
func (m *MockCapture) SetResponse(command string, resp MockResponse) {
	m.SetHandler(command, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// QueueResponses makes the next calls, whatever their command, answer with
// resps in order before normal handling resumes.
func (m *MockCapture) QueueResponses(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, resps...)
}

// Seed stores n entities in schema, built by gen from their 1-based index.
func (m *MockCapture) Seed(schema string, n int, gen func(i int) map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 1; i <= n; i++ {
		m.storeLocked(schema, gen(i))
	}
}

// Entities returns a copy of the entities stored in schema.
func (m *MockCapture) Entities(schema string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.entities[schema]))
	copy(out, m.entities[schema])
	return out
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockCapture) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetCommandCount returns the number of calls of one command.
func (m *MockCapture) GetCommandCount(command string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CommandCounts[command]
}

// GetFilters returns the filters of all entity.find calls, in call order.
func (m *MockCapture) GetFilters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Filters...)
}

// GetMaxInFlight returns the highest number of concurrent calls seen.
func (m *MockCapture) GetMaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MaxInFlight
}

func (m *MockCapture) storeLocked(schema string, attrs map[string]any) map[string]any {
	m.nextID++
	entity := make(map[string]any, len(attrs)+2)
	for k, v := range attrs {
		entity[k] = v
	}
	entity["id"] = m.nextID
	entity["uuid"] = uuid.NewString()
	m.entities[schema] = append(m.entities[schema], entity)
	return entity
}

// defaultHandler implements the entity commands against the in-memory store.
func (m *MockCapture) defaultHandler(w http.ResponseWriter, r *http.Request, command string) {
	if err := r.ParseForm(); err != nil {
		writeResponse(w, MockResponse{StatusCode: http.StatusBadRequest, Body: err.Error()})
		return
	}
	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		writeJSON(w, NewAPIError(402, "invalid_auth", "client_id or client_secret is malformed"))
		return
	}

	schema := r.PostForm.Get("type_name")
	switch command {
	case "entity.bulkCreate":
		m.bulkCreate(w, r, schema)
	case "entity.find":
		m.find(w, r, schema)
	case "entity.count":
		m.mu.Lock()
		total := len(m.entities[schema])
		m.mu.Unlock()
		writeJSON(w, map[string]any{"stat": "ok", "total_count": total})
	case "entity.purge":
		m.mu.Lock()
		delete(m.entities, schema)
		m.mu.Unlock()
		writeJSON(w, map[string]any{"stat": "ok"})
	case "entityType.list":
		m.mu.Lock()
		names := make([]string, 0, len(m.entities))
		for name := range m.entities {
			names = append(names, name)
		}
		m.mu.Unlock()
		sort.Strings(names)
		writeJSON(w, map[string]any{"stat": "ok", "results": names})
	default:
		writeJSON(w, NewAPIError(100, "invalid_command", fmt.Sprintf("command %s not found", command)))
	}
}

func (m *MockCapture) bulkCreate(w http.ResponseWriter, r *http.Request, schema string) {
	var records []map[string]any
	if err := json.Unmarshal([]byte(r.PostForm.Get("all_attributes")), &records); err != nil {
		writeJSON(w, NewAPIError(200, "invalid_argument", "all_attributes must be a JSON array"))
		return
	}
	commitEach := r.PostForm.Get("commit_each") == "true"

	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchSizes = append(m.BatchSizes, len(records))
	m.CommitEach = append(m.CommitEach, commitEach)

	rejected := make([]bool, len(records))
	anyRejected := false
	for i, rec := range records {
		if m.RejectWhen != nil && m.RejectWhen(rec) {
			rejected[i] = true
			anyRejected = true
		}
	}

	results := make([]any, len(records))
	uuidResults := make([]any, len(records))
	for i, rec := range records {
		switch {
		case rejected[i]:
			results[i] = uniqueViolation()
			uuidResults[i] = uniqueViolation()
		case anyRejected && !commitEach:
			results[i] = rolledBack()
			uuidResults[i] = rolledBack()
		default:
			entity := m.storeLocked(schema, rec)
			results[i] = entity["id"]
			uuidResults[i] = entity["uuid"]
		}
	}

	writeJSON(w, map[string]any{"stat": "ok", "results": results, "uuid_results": uuidResults})
}

func (m *MockCapture) find(w http.ResponseWriter, r *http.Request, schema string) {
	maxResults := 100
	if v := r.PostForm.Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, NewAPIError(200, "invalid_argument", "max_results must be an integer"))
			return
		}
		maxResults = n
	}
	firstResult, _ := strconv.Atoi(r.PostForm.Get("first_result"))

	var attributes []string
	if v := r.PostForm.Get("attributes"); v != "" {
		if err := json.Unmarshal([]byte(v), &attributes); err != nil {
			writeJSON(w, NewAPIError(200, "invalid_argument", "attributes must be a JSON array"))
			return
		}
	}

	filter := r.PostForm.Get("filter")
	var minID int64
	if found := idFilter.FindStringSubmatch(filter); found != nil {
		minID, _ = strconv.ParseInt(found[1], 10, 64)
	}

	m.mu.Lock()
	m.Filters = append(m.Filters, filter)
	m.MaxResults = append(m.MaxResults, maxResults)
	results := []map[string]any{}
	skipped := 0
	for _, entity := range m.entities[schema] {
		if entity["id"].(int64) <= minID {
			continue
		}
		if skipped < firstResult {
			skipped++
			continue
		}
		results = append(results, project(entity, attributes))
		if len(results) >= maxResults {
			break
		}
	}
	m.mu.Unlock()

	writeJSON(w, map[string]any{"stat": "ok", "result_count": len(results), "results": results})
}

func project(entity map[string]any, attributes []string) map[string]any {
	if len(attributes) == 0 {
		out := make(map[string]any, len(entity))
		for k, v := range entity {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(attributes))
	for _, name := range attributes {
		if v, ok := entity[name]; ok {
			out[name] = v
		}
	}
	return out
}

func uniqueViolation() map[string]any {
	return map[string]any{
		"stat":              "error",
		"code":              361,
		"error":             "unique_violation",
		"error_description": "Attempted to update a duplicate value",
	}
}

func rolledBack() map[string]any {
	return map[string]any{
		"stat":              "error",
		"code":              361,
		"error":             "unique_violation",
		"error_description": "batch was rolled back",
	}
}

// NewAPIError builds a stat=error payload.
func NewAPIError(code int, name, description string) map[string]any {
	return map[string]any{
		"stat":              "error",
		"code":              code,
		"error":             name,
		"error_description": description,
	}
}

// NewRateLimitResponse creates a 510 rate limit response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{StatusCode: 510, Body: "rate limit exceeded"}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusInternalServerError, Body: "internal server error"}
}

// NewTooLargeResponse creates the 403 response the API gives for oversized requests.
func NewTooLargeResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusForbidden, Body: "request entity too large"}
}

// NewAPIErrorResponse creates a stat=error response.
func NewAPIErrorResponse(code int, name, description string) MockResponse {
	body, _ := json.Marshal(NewAPIError(code, name, description))
	return MockResponse{StatusCode: http.StatusOK, Body: string(body)}
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	if strings.HasPrefix(resp.Body, "{") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(payload)
}
