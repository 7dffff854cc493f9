// Package mock is a scriptable in-process vendor API for tests. Routes reply
// with a fixed sequence of responses (the last one repeats), every request
// is recorded, and the server can play a vendor that throttles after N
// requests or reports X-RateLimit-* headers.
package mock

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// DefaultWindow is the reset window advertised when Server.Window is unset.
const DefaultWindow = time.Minute

// Reply is one scripted response.
type Reply struct {
	Status  int
	Body    string
	Headers map[string]string
	Delay   time.Duration
}

// JSON is a reply with a JSON content type.
func JSON(status int, body string) Reply {
	return Reply{Status: status, Body: body, Headers: map[string]string{"Content-Type": "application/json"}}
}

// Text is a plain text reply.
func Text(status int, body string) Reply {
	return Reply{Status: status, Body: body, Headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"}}
}

// RateLimited is a 429 reply, with Retry-After when retryAfter is set.
func RateLimited(retryAfter string) Reply {
	r := JSON(http.StatusTooManyRequests, `{"error":"Rate limited"}`)
	if retryAfter != "" {
		r.Headers["Retry-After"] = retryAfter
	}
	return r
}

// Recorded is a request as the server saw it.
type Recorded struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	At       time.Time
}

type route struct {
	replies []Reply
	next    int
}

func (r *route) pop() Reply {
	if len(r.replies) == 0 {
		return JSON(http.StatusOK, `{"success":true}`)
	}
	rep := r.replies[r.next]
	if r.next < len(r.replies)-1 {
		r.next++
	}
	return rep
}

type Server struct {
	// RequestsUntilRateLimit makes every request after the first N a 429.
	RequestsUntilRateLimit int
	// AlwaysRateLimit makes every request a 429.
	AlwaysRateLimit bool
	// RetryAfter is sent with the 429s above when set.
	RetryAfter string

	// MaxRequests > 0 adds X-RateLimit-Limit/Remaining/Reset headers
	// counting down from MaxRequests; Reset is unix seconds Window ahead.
	MaxRequests int
	Window      time.Duration

	router chi.Router
	srv    *httptest.Server

	mu       sync.Mutex
	routes   map[string]*route
	requests []Recorded
}

func NewServer() *Server {
	s := &Server{
		router: chi.NewRouter(),
		routes: make(map[string]*route),
	}
	s.router.Use(s.record)
	// chi only runs middleware once a route exists. Unscripted paths are 404s.
	s.router.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
		write(w, r, JSON(http.StatusNotFound, `{"error":"not found"}`))
	})
	return s
}

// Handle scripts method pattern (chi syntax, e.g. /v1/items/{id}) to answer
// with replies in order, repeating the last one.
func (s *Server) Handle(method, pattern string, replies ...Reply) *Server {
	key := method + " " + pattern
	s.mu.Lock()
	_, exists := s.routes[key]
	s.routes[key] = &route{replies: replies}
	s.mu.Unlock()

	if !exists {
		s.router.MethodFunc(method, pattern, func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			rep := s.routes[key].pop()
			s.mu.Unlock()
			write(w, r, rep)
		})
	}
	return s
}

// Start serves on a loopback port and returns the base URL.
func (s *Server) Start() string {
	s.srv = httptest.NewServer(s.router)
	return s.srv.URL
}

func (s *Server) URL() string {
	if s.srv == nil {
		return ""
	}
	return s.srv.URL
}

func (s *Server) Close() {
	if s.srv != nil {
		s.srv.Close()
	}
}

func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.requests...)
}

func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Reset forgets recorded requests and rewinds every route's script.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
	for _, r := range s.routes {
		r.next = 0
	}
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		s.mu.Lock()
		s.requests = append(s.requests, Recorded{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
			Body:     body,
			At:       time.Now(),
		})
		count := len(s.requests)
		throttled := s.AlwaysRateLimit || (s.RequestsUntilRateLimit > 0 && count > s.RequestsUntilRateLimit)
		retryAfter := s.RetryAfter
		maxReq, window := s.MaxRequests, s.Window
		s.mu.Unlock()

		if maxReq > 0 {
			if window <= 0 {
				window = DefaultWindow
			}
			remaining := maxReq - count
			if remaining < 0 {
				remaining = 0
			}
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(maxReq))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(window).Unix(), 10))
		}

		if throttled {
			write(w, r, RateLimited(retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func write(w http.ResponseWriter, r *http.Request, rep Reply) {
	if rep.Delay > 0 {
		select {
		case <-time.After(rep.Delay):
		case <-r.Context().Done():
			return
		}
	}
	for k, v := range rep.Headers {
		w.Header().Set(k, v)
	}
	status := rep.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, rep.Body)
}
