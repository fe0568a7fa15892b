package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/rowstream/id"
	"github.com/maxpert/rowstream/telemetry"
	"github.com/rs/zerolog/log"
)

// StreamRegistry is implemented by session.Session
type StreamRegistry interface {
	Streams() []uint64
	LiveStreams() int
}

// Handlers serves the admin API
type Handlers struct {
	registry StreamRegistry
	driver   string
	started  time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(registry StreamRegistry, driver string) *Handlers {
	return &Handlers{
		registry: registry,
		driver:   driver,
		started:  time.Now(),
	}
}

type streamInfo struct {
	ID        uint64 `json:"id"`
	ClientID  uint64 `json:"client_id"`
	CreatedAt string `json:"created_at"`
}

func describeStream(streamID uint64) streamInfo {
	return streamInfo{
		ID:        streamID,
		ClientID:  id.ClientOf(streamID),
		CreatedAt: id.TimeOf(streamID).UTC().Format(time.RFC3339Nano),
	}
}

// handleStreams lists live streams, oldest first
func (h *Handlers) handleStreams(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := h.registry.Streams()
	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}

	streams := make([]streamInfo, 0, len(ids))
	for _, streamID := range ids {
		streams = append(streams, describeStream(streamID))
	}

	lastKey := ""
	if hasMore {
		lastKey = strconv.FormatUint(ids[len(ids)-1], 10)
	}
	writeJSONResponse(w, streams, hasMore, lastKey)
}

// handleStream returns a single live stream
func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	streamID, err := strconv.ParseUint(chi.URLParam(r, "streamID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid stream ID")
		return
	}

	for _, live := range h.registry.Streams() {
		if live == streamID {
			writeJSONResponse(w, describeStream(streamID), false, "")
			return
		}
	}
	writeErrorResponse(w, http.StatusNotFound, "stream not found")
}

// handleHealth reports liveness and basic counters
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"status":       "ok",
		"driver":       h.driver,
		"live_streams": h.registry.LiveStreams(),
		"uptime":       time.Since(h.started).Round(time.Second).String(),
	}, false, "")
}

// handleMetrics serves Prometheus metrics when telemetry is enabled
func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	handler := telemetry.GetMetricsHandler()
	if handler == nil {
		writeErrorResponse(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	handler.ServeHTTP(w, r)
}

// writeJSONResponse writes a JSON response with optional pagination info
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 || limit > 10000 {
		return 0, fmt.Errorf("limit must be between 1 and 10000")
	}
	return limit, nil
}
