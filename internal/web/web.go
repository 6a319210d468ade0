package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"calfetch/internal/calendar"
	"calfetch/internal/config"
	"calfetch/internal/ics"
	appLog "calfetch/internal/log"
	"calfetch/internal/metrics"
	"calfetch/internal/model"
)

// Calendar is one configured source together with its fetch status.
type Calendar struct {
	ID      string
	Name    string
	Kind    string
	Fetcher *calendar.Fetcher

	mu          sync.RWMutex
	lastSuccess time.Time
	lastError   string
}

// Watch registers the fetcher subscribers that log cycle outcomes and track
// status for /api/calendars. It replaces any earlier subscribers.
func (c *Calendar) Watch() {
	c.Fetcher.OnReceive(func(f *calendar.Fetcher) {
		c.mu.Lock()
		c.lastSuccess = time.Now()
		c.lastError = ""
		c.mu.Unlock()
		appLog.Info("calendar updated", "calendar", c.ID, "url", ics.RedactURL(f.URL()), "events", len(f.Events()))
	})
	c.Fetcher.OnError(func(f *calendar.Fetcher, err error) {
		c.mu.Lock()
		c.lastError = err.Error()
		c.mu.Unlock()
		appLog.Error("calendar fetch failed", err, "calendar", c.ID, "url", ics.RedactURL(f.URL()))
	})
}

func (c *Calendar) status() (time.Time, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess, c.lastError
}

// Server exposes the published event lists over HTTP.
type Server struct {
	cfg       *config.Config
	mux       *http.ServeMux
	calendars []*Calendar
	byID      map[string]*Calendar
	metrics   *metrics.Recorder
	refresh   *rate.Limiter
	now       func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics serves rec on /metrics and counts manual refreshes.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = rec }
}

// WithRefreshLimit bounds POST /api/refresh to one request per every,
// with the given burst.
func WithRefreshLimit(every time.Duration, burst int) Option {
	return func(s *Server) { s.refresh = rate.NewLimiter(rate.Every(every), burst) }
}

// NewServer constructs a new Server over calendars, in configured order.
func NewServer(cfg *config.Config, calendars []*Calendar, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		calendars: calendars,
		byID:      make(map[string]*Calendar, len(calendars)),
		refresh:   rate.NewLimiter(rate.Every(10*time.Second), 3),
		now:       time.Now,
	}
	for _, c := range calendars {
		s.byID[c.ID] = c
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Half-configured credentials leave auth off.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calfetch", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/calendars", s.handleCalendars)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events.ics", s.handleExport)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// calendarDTO is the /api/calendars view of one source. The URL is
// redacted since it often embeds a secret token.
type calendarDTO struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Kind        string     `json:"kind"`
	URL         string     `json:"url"`
	Events      int        `json:"events"`
	Published   bool       `json:"published"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

func (s *Server) handleCalendars(w http.ResponseWriter, _ *http.Request) {
	out := make([]calendarDTO, 0, len(s.calendars))
	for _, c := range s.calendars {
		events := c.Fetcher.Events()
		dto := calendarDTO{
			ID:        c.ID,
			Name:      c.Name,
			Kind:      c.Kind,
			URL:       ics.RedactURL(c.Fetcher.URL()),
			Events:    len(events),
			Published: events != nil,
		}
		last, errMsg := c.status()
		if !last.IsZero() {
			dto.LastSuccess = &last
		}
		dto.LastError = errMsg
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// calendarEvents is one calendar's published list in /api/events.
type calendarEvents struct {
	Calendar string        `json:"calendar"`
	Events   []model.Event `json:"events"`
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Calendars   []calendarEvents `json:"calendars"`
}

// handleEvents returns the published lists.
//
// GET /api/events?calendar=<id>
//   - calendar: restrict to one calendar (default: all, in configured order)
//
// A calendar that has not published yet is reported with an empty list.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	selected, ok := s.selectCalendars(w, r)
	if !ok {
		return
	}

	resp := eventsResponse{GeneratedAt: s.now(), Calendars: make([]calendarEvents, 0, len(selected))}
	for _, c := range selected {
		events := c.Fetcher.Events()
		if events == nil {
			events = []model.Event{}
		}
		resp.Calendars = append(resp.Calendars, calendarEvents{Calendar: c.ID, Events: events})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh triggers an immediate cycle on the selected calendars.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	selected, ok := s.selectCalendars(w, r)
	if !ok {
		return
	}
	if !s.refresh.Allow() {
		s.countRefresh("limited")
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusTooManyRequests, "refresh rate limit exceeded")
		return
	}
	s.countRefresh("accepted")

	ids := make([]string, 0, len(selected))
	for _, c := range selected {
		c.Fetcher.StartFetch()
		ids = append(ids, c.ID)
	}
	appLog.Info("manual refresh requested", "calendars", ids)
	writeJSON(w, http.StatusAccepted, map[string][]string{"refreshing": ids})
}

func (s *Server) countRefresh(result string) {
	if s.metrics != nil {
		s.metrics.Refresh(result)
	}
}

// selectCalendars resolves the optional ?calendar= parameter, writing a 404
// for unknown ids.
func (s *Server) selectCalendars(w http.ResponseWriter, r *http.Request) ([]*Calendar, bool) {
	id := r.URL.Query().Get("calendar")
	if id == "" {
		return s.calendars, true
	}
	c, ok := s.byID[id]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown calendar "+id)
		return nil, false
	}
	return []*Calendar{c}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
