// Package httputil holds the JSON response helpers shared by the HTTP
// handlers and a Doer abstraction so HTTP callers can be tested offline.
package httputil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// MockDoer returns queued responses and records every request it sees.
type MockDoer struct {
	mu        sync.Mutex
	requests  []*http.Request
	bodies    [][]byte
	responses []mockResponse
	next      int
}

type mockResponse struct {
	status int
	body   []byte
	header http.Header
	err    error
}

// NewMockDoer returns an empty mock. Unqueued calls get 200 with no body.
func NewMockDoer() *MockDoer { return &MockDoer{} }

// AddResponse queues a response.
func (m *MockDoer) AddResponse(status int, body []byte, header http.Header) *MockDoer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if header == nil {
		header = make(http.Header)
	}
	m.responses = append(m.responses, mockResponse{status: status, body: body, header: header})
	return m
}

// AddError queues a transport error.
func (m *MockDoer) AddError(err error) *MockDoer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{err: err})
	return m
}

// Do records req, draining its body, and returns the next queued response.
func (m *MockDoer) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("mock: reading request body: %w", err)
		}
		body = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)

	resp := mockResponse{status: http.StatusOK, header: make(http.Header)}
	if m.next < len(m.responses) {
		resp = m.responses[m.next]
		m.next++
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return &http.Response{
		StatusCode: resp.status,
		Header:     resp.header,
		Body:       io.NopCloser(bytes.NewReader(resp.body)),
		Request:    req,
	}, nil
}

// Request returns the nth recorded request and its body, or nil.
func (m *MockDoer) Request(n int) (*http.Request, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.requests) {
		return nil, nil
	}
	return m.requests[n], m.bodies[n]
}

// RequestCount returns the number of recorded requests.
func (m *MockDoer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
