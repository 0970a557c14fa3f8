package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"qm/internal/config"
	appLog "qm/internal/log"
	"qm/internal/metrics"
	"qm/internal/model"
	"qm/internal/store"
)

// Push notification headers sent by Google Calendar.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
	headerResourceURI   = "X-Goog-Resource-URI"

	resourceStateSync = "sync"
)

// Store is the read side of persistence used by the HTTP handlers.
type Store interface {
	GetCalendar(ctx context.Context, externalID string) (model.Calendar, error)
	GetCalendarByChannel(ctx context.Context, channelID string) (model.Calendar, error)
	ListCalendars(ctx context.Context) ([]model.Calendar, error)
	ListEvents(ctx context.Context, calendarID int64) ([]model.Event, error)
}

// Trigger starts an out-of-band reconciliation for one calendar.
type Trigger interface {
	ReconcileNow(calendarExternalID string) error
}

// Server serves the calendar webhook, the read API, health and metrics.
type Server struct {
	cfg     *config.Config
	store   Store
	trigger Trigger
	metrics http.Handler
	router  *mux.Router
}

// NewServer constructs a Server. metricsHandler may be nil to disable
// /metrics.
func NewServer(cfg *config.Config, st Store, trigger Trigger, metricsHandler http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		trigger: trigger,
		metrics: metricsHandler,
		router:  mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, with basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet).Name("health")
	r.HandleFunc("/calendar-webhook", s.handleWebhook).Methods(http.MethodPost).Name("calendar_webhook")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/calendars", s.handleCalendars).Methods(http.MethodGet).Name("list_calendars")
	api.HandleFunc("/calendars/{id}/events", s.handleEvents).Methods(http.MethodGet).Name("list_events")
	api.HandleFunc("/calendars/{id}/sync", s.handleSync).Methods(http.MethodPost).Name("sync_calendar")

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet).Name("metrics")
	}

	addMetrics(r)
}

// addMetrics decorates each named route with request instrumentation.
func addMetrics(r *mux.Router) {
	_ = r.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		if h := route.GetHandler(); h != nil && route.GetName() != "" {
			route.Handler(metrics.InstrumentHandler(route.GetName(), h))
		}
		return nil
	})
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards every path except /health and the webhook,
// which Google calls without credentials.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/calendar-webhook" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="qm", charset="UTF-8"`)
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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	Message string `json:"message"`
}

// handleWebhook receives Google Calendar push notifications and triggers a
// reconciliation of the calendar they name.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if token := s.cfg.Google.WebhookToken; token != "" && !secureCompare(r.Header.Get(headerChannelToken), token) {
		appLog.Warn("webhook token mismatch", "channel", r.Header.Get(headerChannelID))
		writeError(w, http.StatusForbidden, "invalid channel token")
		return
	}

	if r.Header.Get(headerResourceState) == resourceStateSync {
		appLog.Debug("webhook sync message", "channel", r.Header.Get(headerChannelID))
		writeJSON(w, http.StatusAccepted, statusResponse{Message: "Sync acknowledged"})
		return
	}

	calendarID, err := s.resolveCalendar(ctx, r.Header)
	if err != nil {
		appLog.Warn("webhook calendar not resolved", "channel", r.Header.Get(headerChannelID), "resource_uri", r.Header.Get(headerResourceURI), "error", err.Error())
		writeError(w, http.StatusNotFound, "calendar not found")
		return
	}

	if err := s.trigger.ReconcileNow(calendarID); err != nil {
		appLog.Error("webhook trigger failed", err, "calendar", calendarID)
		writeError(w, http.StatusServiceUnavailable, "reconciliation unavailable")
		return
	}

	appLog.Info("webhook accepted", "calendar", calendarID, "state", r.Header.Get(headerResourceState))
	writeJSON(w, http.StatusAccepted, statusResponse{Message: "Events patched"})
}

// resolveCalendar maps a notification to a known calendar: first by channel
// id, then by the calendar id embedded in the resource URI.
func (s *Server) resolveCalendar(ctx context.Context, h http.Header) (string, error) {
	if channelID := h.Get(headerChannelID); channelID != "" {
		cal, err := s.store.GetCalendarByChannel(ctx, channelID)
		if err == nil {
			return cal.ExternalID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}

	calendarID, err := calendarIDFromResourceURI(h.Get(headerResourceURI))
	if err != nil {
		return "", err
	}
	cal, err := s.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return "", err
	}
	return cal.ExternalID, nil
}

// calendarIDFromResourceURI extracts the calendar id from a resource URI such
// as https://www.googleapis.com/calendar/v3/calendars/{id}/events?alt=json.
func calendarIDFromResourceURI(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("resource uri is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] != "calendars" {
			continue
		}
		id, err := url.PathUnescape(segments[i+1])
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
	return "", errors.New("resource uri has no calendar id")
}

type calendarDTO struct {
	ID                int64      `json:"id"`
	ExternalID        string     `json:"external_id"`
	WebhookChannel    string     `json:"webhook_channel,omitempty"`
	WebhookResourceID string     `json:"webhook_resource_id,omitempty"`
	WebhookCreatedAt  *time.Time `json:"webhook_created_at,omitempty"`
}

type eventDTO struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"external_id"`
	CalendarID string    `json:"calendar_id"`
	OpenAt     time.Time `json:"open_at"`
	Created    bool      `json:"created"`
	Opened     bool      `json:"opened"`
	ArtifactID string    `json:"artifact_id"`
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.store.ListCalendars(r.Context())
	if err != nil {
		appLog.Error("api list calendars failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list calendars")
		return
	}

	dtos := make([]calendarDTO, 0, len(cals))
	for _, cal := range cals {
		dto := calendarDTO{
			ID:                cal.ID,
			ExternalID:        cal.ExternalID,
			WebhookChannel:    cal.WebhookChannel,
			WebhookResourceID: cal.WebhookResourceID,
		}
		if !cal.WebhookCreatedAt.IsZero() {
			t := cal.WebhookCreatedAt
			dto.WebhookCreatedAt = &t
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cal, ok := s.lookupCalendar(w, r)
	if !ok {
		return
	}

	events, err := s.store.ListEvents(r.Context(), cal.ID)
	if err != nil {
		appLog.Error("api list events failed", err, "calendar", cal.ExternalID)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	loc := s.cfg.Location()
	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, eventDTO{
			ID:         ev.ID,
			ExternalID: ev.ExternalID,
			CalendarID: cal.ExternalID,
			OpenAt:     ev.OpenTime().In(loc),
			Created:    ev.Created,
			Opened:     ev.Opened,
			ArtifactID: ev.ArtifactID,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	cal, ok := s.lookupCalendar(w, r)
	if !ok {
		return
	}
	if err := s.trigger.ReconcileNow(cal.ExternalID); err != nil {
		appLog.Error("api sync failed", err, "calendar", cal.ExternalID)
		writeError(w, http.StatusServiceUnavailable, "reconciliation unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Message: "Sync started"})
}

// lookupCalendar resolves the {id} route variable, writing the error response
// when it fails.
func (s *Server) lookupCalendar(w http.ResponseWriter, r *http.Request) (model.Calendar, bool) {
	id := mux.Vars(r)["id"]
	cal, err := s.store.GetCalendar(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "calendar not found")
		return model.Calendar{}, false
	}
	if err != nil {
		appLog.Error("api get calendar failed", err, "calendar", id)
		writeError(w, http.StatusInternalServerError, "failed to load calendar")
		return model.Calendar{}, false
	}
	return cal, true
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
