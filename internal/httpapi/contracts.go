// Package httpapi is the thin HTTP shim over the data plane:
// request/response DTOs and a gorilla/mux router exposing /feed-values,
// /feed-values/:votingRoundId, /volumes, the three health probes, and
// /metrics.
package httpapi

import "time"

// FeedRef is one entry of a request's "feeds" array.
type FeedRef struct {
	Category int    `json:"category"`
	Name     string `json:"name"`
}

// FeedValuesRequest is the body of POST /feed-values(/:votingRoundId).
type FeedValuesRequest struct {
	Feeds []FeedRef `json:"feeds"`
}

// FeedValueDatum is one entry of a feed-values response's "data" array.
type FeedValueDatum struct {
	Feed       FeedRef   `json:"feed"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	Stale      bool      `json:"stale"`
}

// FeedValuesResponse is the response body of POST /feed-values.
type FeedValuesResponse struct {
	Data []FeedValueDatum `json:"data"`
}

// FeedValuesRoundResponse is the response body of
// POST /feed-values/:votingRoundId: the plain response plus the echoed
// round.
type FeedValuesRoundResponse struct {
	Data          []FeedValueDatum `json:"data"`
	VotingRoundID int64            `json:"votingRoundId"`
}

// VolumesRequest is the body of POST /volumes.
type VolumesRequest struct {
	Feeds []FeedRef `json:"feeds"`
}

// VolumeDatum is one volume sample.
type VolumeDatum struct {
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedVolumesDatum is one entry of a volumes response's "data" array.
type FeedVolumesDatum struct {
	Feed    FeedRef       `json:"feed"`
	Volumes []VolumeDatum `json:"volumes"`
}

// VolumesResponse is the response body of POST /volumes.
type VolumesResponse struct {
	Data      []FeedVolumesDatum `json:"data"`
	WindowSec int                `json:"windowSec"`
}

// ErrorResponse is the shape of every error body.
type ErrorResponse struct {
	Status    string    `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	UptimeSec  float64                `json:"uptime"`
	Components map[string]interface{} `json:"components"`
}

// ReadyResponse is the body of GET /health/ready.
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	UptimeSec float64   `json:"uptime"`
}

// LiveResponse is the body of GET /health/live.
type LiveResponse struct {
	Alive     bool      `json:"alive"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	UptimeSec float64   `json:"uptime"`
}
