// Package publisher fans inference results out to subscribers in frame
// order.
package publisher

import (
	"encoding/json"
	"time"

	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

// EventType names an event on the wire.
type EventType string

const (
	EventSystemStatus    EventType = "system_status"
	EventInferenceResult EventType = "inference_result"
)

// Pipeline status values.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// SystemStatus is sent to every new subscriber before any result.
type SystemStatus struct {
	Status  string `json:"status"`
	Model   string `json:"model"`
	Threads int    `json:"threads"`
}

// ClassProb is one entry of a result's top-k list.
type ClassProb struct {
	Class string  `json:"class"`
	Prob  float64 `json:"prob"`
}

// InferenceEvent is the published form of one classified frame.
type InferenceEvent struct {
	Timestamp  float64     `json:"timestamp"` // unix seconds
	FrameID    uint64      `json:"frame_id"`
	TopClass   string      `json:"top_class"`
	Confidence float64     `json:"confidence"`
	TopK       []ClassProb `json:"top_k"`
	LatencyMS  float64     `json:"latency_ms"`
	CPUPercent float64     `json:"cpu_percent"`
	Threads    int         `json:"threads"`
}

// Time returns Timestamp as a time.Time.
func (e InferenceEvent) Time() time.Time {
	sec := int64(e.Timestamp)
	return time.Unix(sec, int64((e.Timestamp-float64(sec))*1e9))
}

// UnixSeconds converts t to the fractional seconds used in Timestamp.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Event is what a subscriber receives. Exactly one of Status and Result is
// set, matching Type.
type Event struct {
	Type   EventType
	Status *SystemStatus
	Result *InferenceEvent
}

// Data returns the payload.
func (e Event) Data() any {
	if e.Type == EventSystemStatus {
		return e.Status
	}
	return e.Result
}

// MarshalJSON encodes the {"event": ..., "data": ...} envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event EventType `json:"event"`
		Data  any       `json:"data"`
	}{e.Type, e.Data()})
}

// GetLogger returns the publisher logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("publisher")
}
