package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/oracle/manager"
	"github.com/sawpanic/priceoracle/internal/oracle/metrics"
	"github.com/sawpanic/priceoracle/internal/oracle/registry"
	"github.com/sawpanic/priceoracle/internal/oracle/request"
)

const defaultVolumeWindow = 3600 * time.Second

// Handlers wires the request handler, data manager, and registry into
// HTTP endpoints. It holds no business logic of its own; every
// endpoint is a thin translation into/out of the data-plane APIs.
type Handlers struct {
	requests  *request.Handler
	manager   *manager.Manager
	registry  *registry.Registry
	metrics   *metrics.Registry
	startedAt time.Time
}

// NewHandlers creates a Handlers wired to the given components.
func NewHandlers(requests *request.Handler, mgr *manager.Manager, reg *registry.Registry, m *metrics.Registry) *Handlers {
	return &Handlers{requests: requests, manager: mgr, registry: reg, metrics: m, startedAt: time.Now()}
}

// FeedValues handles POST /feed-values.
func (h *Handlers) FeedValues(w http.ResponseWriter, r *http.Request) {
	h.feedValues(w, r, nil)
}

// FeedValuesWithRound handles POST /feed-values/{votingRoundId}.
func (h *Handlers) FeedValuesWithRound(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["votingRoundId"]
	round, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || round < 0 {
		h.writeError(w, r, http.StatusBadRequest, "InvalidVotingRound", "votingRoundId must be a non-negative integer")
		return
	}
	h.feedValues(w, r, &round)
}

func (h *Handlers) feedValues(w http.ResponseWriter, r *http.Request, votingRoundID *int64) {
	var body FeedValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "MalformedBody", "request body is not valid JSON")
		return
	}

	ids, err := validateFeeds(body.Feeds)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "InvalidFeeds", err.Error())
		return
	}

	data := make([]FeedValueDatum, 0, len(ids))
	for _, id := range ids {
		value, err := h.requests.GetValue(id)
		if err != nil {
			if errors.Is(err, request.ErrNoDataAvailable) {
				h.writeError(w, r, http.StatusNotFound, "NoDataAvailable", "feed "+id.Name+" has no data available")
				return
			}
			h.writeError(w, r, http.StatusInternalServerError, "InternalError", err.Error())
			return
		}
		data = append(data, FeedValueDatum{
			Feed:       FeedRef{Category: int(id.Category), Name: id.Name},
			Value:      value.Value,
			Timestamp:  value.Timestamp,
			Confidence: value.Confidence,
			Source:     value.Source,
			Stale:      value.Stale,
		})
	}

	if votingRoundID != nil {
		h.writeJSON(w, http.StatusOK, FeedValuesRoundResponse{Data: data, VotingRoundID: *votingRoundID})
		return
	}
	h.writeJSON(w, http.StatusOK, FeedValuesResponse{Data: data})
}

// Volumes handles POST /volumes.
func (h *Handlers) Volumes(w http.ResponseWriter, r *http.Request) {
	window := defaultVolumeWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			h.writeError(w, r, http.StatusBadRequest, "InvalidWindow", "window must be a positive integer number of seconds")
			return
		}
		window = time.Duration(secs) * time.Second
	}

	var body VolumesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "MalformedBody", "request body is not valid JSON")
		return
	}

	ids, err := validateFeeds(body.Feeds)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "InvalidFeeds", err.Error())
		return
	}

	now := time.Now()
	data := make([]FeedVolumesDatum, 0, len(ids))
	for _, id := range ids {
		volumes, err := h.requests.GetVolumes(id, window, now)
		if err != nil {
			if errors.Is(err, request.ErrNoDataAvailable) {
				h.writeError(w, r, http.StatusNotFound, "NoDataAvailable", "feed "+id.Name+" has no volume data available")
				return
			}
			h.writeError(w, r, http.StatusInternalServerError, "InternalError", err.Error())
			return
		}
		samples := make([]VolumeDatum, 0, len(volumes.Volumes))
		for _, v := range volumes.Volumes {
			samples = append(samples, VolumeDatum{Volume: v.Volume, Timestamp: v.Timestamp})
		}
		data = append(data, FeedVolumesDatum{Feed: FeedRef{Category: int(id.Category), Name: id.Name}, Volumes: samples})
	}

	h.writeJSON(w, http.StatusOK, VolumesResponse{Data: data, WindowSec: int(window.Seconds())})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	connHealth := h.manager.GetConnectionHealth()
	stats := h.registry.GetStats()

	status := "healthy"
	if connHealth.TotalSources == 0 || connHealth.HealthScore < 50 {
		status = "unhealthy"
	} else if connHealth.HealthScore < 100 {
		status = "degraded"
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		UptimeSec: time.Since(h.startedAt).Seconds(),
		Components: map[string]interface{}{
			"connections": connHealth,
			"registry":    stats,
		},
	})
}

// HealthReady handles GET /health/ready: ready once at least one
// adapter is connected.
func (h *Handlers) HealthReady(w http.ResponseWriter, r *http.Request) {
	connHealth := h.manager.GetConnectionHealth()
	ready := connHealth.ConnectedSources > 0

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, ReadyResponse{
		Ready:     ready,
		Status:    statusLabel(ready),
		Timestamp: time.Now().UTC(),
		UptimeSec: time.Since(h.startedAt).Seconds(),
	})
}

// HealthLive handles GET /health/live: the process is alive as long as
// it can answer the request at all.
func (h *Handlers) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, LiveResponse{
		Alive:     true,
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		UptimeSec: time.Since(h.startedAt).Seconds(),
	})
}

func statusLabel(ok bool) string {
	if ok {
		return "ready"
	}
	return "not-ready"
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "EndpointNotFound", "the requested endpoint does not exist")
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value(requestIDKey{}).(string)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	h.writeJSON(w, status, ErrorResponse{
		Status:    "error",
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	})
}
