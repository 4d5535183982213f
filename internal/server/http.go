package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/showif/showif/internal/core"
	"github.com/showif/showif/internal/metrics"
	"github.com/showif/showif/internal/repository"
	"github.com/showif/showif/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	metrics            *metrics.Metrics
	requestsTotal      atomic.Uint64
}

// Option configures the HTTP handler.
type Option func(*HTTPServer)

// WithStreamPollInterval sets how often the event stream polls for new events.
func WithStreamPollInterval(d time.Duration) Option {
	return func(s *HTTPServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

// WithMaxJSONBodySize caps the size of accepted JSON request bodies.
func WithMaxJSONBodySize(n int64) Option {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithMetrics wires Prometheus instrumentation into the handler, including
// the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

type moveItemJSONRequest struct {
	Seqno int `json:"seqno"`
}

type moveItemJSONResponse struct {
	Warnings []core.Warning `json:"warnings"`
}

type deleteItemJSONResponse struct {
	ClearedConditions []string `json:"clearedConditions"`
}

type conditionJSONResponse struct {
	Condition  core.Condition     `json:"condition"`
	Advisories []service.Advisory `json:"advisories"`
}

type conditionJSONError struct {
	Error  string   `json:"error"`
	Code   string   `json:"code"`
	Field  string   `json:"field,omitempty"`
	ItemID string   `json:"itemId,omitempty"`
	Path   []string `json:"path,omitempty"`
}

type visibilityJSONRequest struct {
	Answers map[string]core.AnswerValue `json:"answers"`
}

type visibilityJSONResponse struct {
	Visible map[string]bool `json:"visible"`
}

func NewHTTPHandler(svc Service, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	server.handle(mux, "POST /v1/sets", server.handleCreateSet)
	server.handle(mux, "GET /v1/sets", server.handleListSets)
	server.handle(mux, "GET /v1/sets/{setID}", server.handleGetSet)
	server.handle(mux, "DELETE /v1/sets/{setID}", server.handleDeleteSet)
	server.handle(mux, "POST /v1/sets/{setID}/items", server.handleCreateItem)
	server.handle(mux, "GET /v1/sets/{setID}/items", server.handleListItems)
	server.handle(mux, "GET /v1/sets/{setID}/items/{itemID}", server.handleGetItem)
	server.handle(mux, "PUT /v1/sets/{setID}/items/{itemID}", server.handleUpdateItem)
	server.handle(mux, "DELETE /v1/sets/{setID}/items/{itemID}", server.handleDeleteItem)
	server.handle(mux, "POST /v1/sets/{setID}/items/{itemID}/move", server.handleMoveItem)
	server.handle(mux, "PUT /v1/sets/{setID}/items/{itemID}/condition", server.handleSaveCondition)
	server.handle(mux, "GET /v1/sets/{setID}/dependency-map", server.handleDependencyMap)
	server.handle(mux, "POST /v1/sets/{setID}/visibility", server.handleVisibility)
	server.handle(mux, "GET /v1/stream", server.handleStream)
	server.handle(mux, "GET /healthz", server.handleHealthz)
	server.handle(mux, "GET /metrics", server.handleMetrics)

	return mux
}

// handle registers a route and records per-route request metrics against the
// pattern it was registered under.
func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	method, route, _ := strings.Cut(pattern, " ")
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Add(1)
		if s.metrics == nil {
			handler(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(rec, r)
		s.metrics.RecordHTTPRequest(method, route, rec.status, time.Since(start))
	})
}

// statusRecorder captures the response status for metrics while still
// supporting flushing for the event stream.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.written {
		rec.status = code
		rec.written = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if !rec.written {
		rec.status = http.StatusOK
		rec.written = true
	}
	return rec.ResponseWriter.Write(b)
}

func (rec *statusRecorder) Flush() {
	if flusher, ok := rec.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap supports http.ResponseController and middleware that unwrap writers.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func (s *HTTPServer) handleCreateSet(w http.ResponseWriter, r *http.Request) {
	var set repository.QuestionSet
	if err := s.decodeJSONBody(w, r, &set); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(set.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	created, err := s.service.CreateSet(r.Context(), set)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.service.ListSets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sets == nil {
		sets = []repository.QuestionSet{}
	}

	writeJSON(w, http.StatusOK, sets)
}

func (s *HTTPServer) handleGetSet(w http.ResponseWriter, r *http.Request) {
	set, err := s.service.GetSet(r.Context(), r.PathValue("setID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, set)
}

func (s *HTTPServer) handleDeleteSet(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSet(r.Context(), r.PathValue("setID")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	setID := r.PathValue("setID")

	var item core.Item
	if err := s.decodeJSONBody(w, r, &item); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if item.SetID != "" && item.SetID != setID {
		writeJSONError(w, http.StatusBadRequest, "path set and body setId must match")
		return
	}
	item.SetID = setID

	if strings.TrimSpace(item.Label) == "" {
		writeJSONError(w, http.StatusBadRequest, "label is required")
		return
	}
	if !item.Condition.IsEmpty() && item.Seqno <= 0 {
		writeJSONError(w, http.StatusBadRequest, "seqno is required to create an item with a condition")
		return
	}

	created, err := s.service.CreateItem(r.Context(), item)
	if err != nil {
		writeConditionError(w, s.metrics, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListItems(r.Context(), r.PathValue("setID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []core.Item{}
	}

	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.GetItem(r.Context(), r.PathValue("setID"), r.PathValue("itemID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	setID := r.PathValue("setID")
	itemID := r.PathValue("itemID")

	var item core.Item
	if err := s.decodeJSONBody(w, r, &item); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if item.ID != "" && item.ID != itemID {
		writeJSONError(w, http.StatusBadRequest, "path item and body id must match")
		return
	}
	item.ID = itemID
	item.SetID = setID

	if strings.TrimSpace(item.Label) == "" {
		writeJSONError(w, http.StatusBadRequest, "label is required")
		return
	}

	updated, err := s.service.UpdateItem(r.Context(), item)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.service.DeleteItem(r.Context(), r.PathValue("setID"), r.PathValue("itemID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cleared == nil {
		cleared = []string{}
	}

	writeJSON(w, http.StatusOK, deleteItemJSONResponse{ClearedConditions: cleared})
}

func (s *HTTPServer) handleMoveItem(w http.ResponseWriter, r *http.Request) {
	var request moveItemJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if request.Seqno <= 0 {
		writeJSONError(w, http.StatusBadRequest, "seqno must be positive")
		return
	}

	warnings, err := s.service.MoveItem(r.Context(), r.PathValue("setID"), r.PathValue("itemID"), request.Seqno)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if warnings == nil {
		warnings = []core.Warning{}
	}
	if s.metrics != nil {
		for _, warning := range warnings {
			s.metrics.RecordConditionWarning(string(warning.Code))
		}
	}

	writeJSON(w, http.StatusOK, moveItemJSONResponse{Warnings: warnings})
}

func (s *HTTPServer) handleSaveCondition(w http.ResponseWriter, r *http.Request) {
	raw, err := s.readRawJSONBody(w, r)
	if err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	condition, advisories, err := s.service.SaveCondition(r.Context(), r.PathValue("setID"), r.PathValue("itemID"), raw)
	if err != nil {
		writeConditionError(w, s.metrics, err)
		return
	}
	if advisories == nil {
		advisories = []service.Advisory{}
	}

	writeJSON(w, http.StatusOK, conditionJSONResponse{Condition: condition, Advisories: advisories})
}

func (s *HTTPServer) handleDependencyMap(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	depMap, err := s.service.DependencyMap(r.Context(), r.PathValue("setID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if depMap.Edges == nil {
		depMap.Edges = map[string][]core.DependentEdge{}
	}
	if depMap.Warnings == nil {
		depMap.Warnings = []core.Warning{}
	}
	if s.metrics != nil {
		s.metrics.ObserveDependencyMapBuild(time.Since(start))
		for _, warning := range depMap.Warnings {
			s.metrics.RecordConditionWarning(string(warning.Code))
		}
	}

	writeJSON(w, http.StatusOK, depMap)
}

func (s *HTTPServer) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var request visibilityJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	visible, err := s.service.Visibility(r.Context(), r.PathValue("setID"), request.Answers)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if visible == nil {
		visible = map[string]bool{}
	}
	if s.metrics != nil {
		for _, shown := range visible {
			s.metrics.RecordVisibility(shown)
		}
	}

	writeJSON(w, http.StatusOK, visibilityJSONResponse{Visible: visible})
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	setID := strings.TrimSpace(r.URL.Query().Get("set_id"))
	if setID == "" {
		writeJSONError(w, http.StatusBadRequest, "set_id is required")
		return
	}

	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.SetEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), setID, currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), setID, currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = fmt.Fprintf(w, "# HELP showif_http_requests_total Total number of HTTP requests.\n")
	_, _ = fmt.Fprintf(w, "# TYPE showif_http_requests_total counter\n")
	_, _ = fmt.Fprintf(w, "showif_http_requests_total %d\n", s.requestsTotal.Load())
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	switch eventType {
	case repository.EventItemCreated,
		repository.EventItemUpdated,
		repository.EventItemMoved,
		repository.EventItemDeleted,
		repository.EventConditionSaved,
		repository.EventConditionCleared:
		return eventType
	default:
		return ""
	}
}

// writeConditionError maps condition parse and graph validation failures to
// 422 responses carrying the machine-readable violation code.
func writeConditionError(w http.ResponseWriter, m *metrics.Metrics, err error) {
	var schemaErr *core.SchemaError
	var graphErr *core.GraphError

	switch {
	case errors.As(err, &schemaErr):
		writeJSON(w, http.StatusUnprocessableEntity, conditionJSONError{
			Error: schemaErr.Error(),
			Code:  string(schemaErr.Code),
			Field: schemaErr.Field,
		})
	case errors.As(err, &graphErr):
		if m != nil {
			m.RecordGraphRejection(string(graphErr.Code))
		}
		writeJSON(w, http.StatusUnprocessableEntity, conditionJSONError{
			Error:  graphErr.Error(),
			Code:   string(graphErr.Code),
			ItemID: graphErr.ItemID,
			Path:   graphErr.Path,
		})
	default:
		writeServiceError(w, err)
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSetNotFound), errors.Is(err, service.ErrItemNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrSetNotFound):
		return "question-set not found"
	case errors.Is(err, service.ErrItemNotFound):
		return "item not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

// readRawJSONBody returns the request body verbatim for handlers that parse
// the document themselves, enforcing the same size cap as decodeJSONBody.
func (s *HTTPServer) readRawJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, io.EOF
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	if err != nil {
		return nil, normalizeJSONDecodeError(err)
	}

	return raw, nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
