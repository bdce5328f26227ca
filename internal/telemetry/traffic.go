package telemetry

import (
	"encoding/json"
	"errors"
)

// TrafficPath is the control API channel streaming per-second throughput.
const TrafficPath = "/traffic"

// Traffic is the current upload/download rate in bytes per second.
type Traffic struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

type trafficFrame struct {
	Up   *int64 `json:"up"`
	Down *int64 `json:"down"`
}

// NewTraffic returns an adapter that replaces its value with every frame.
func NewTraffic(resolver *Resolver, opts Options) *Channel[Traffic] {
	if opts.Name == "" {
		opts.Name = "traffic"
	}
	return NewChannel[Traffic](resolver, Endpoint{Path: TrafficPath}, foldTraffic, opts)
}

func foldTraffic(_ Traffic, payload []byte) (Traffic, error) {
	var frame trafficFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Traffic{}, err
	}
	if frame.Up == nil || frame.Down == nil {
		return Traffic{}, errors.New("traffic frame missing up/down")
	}
	return Traffic{Up: *frame.Up, Down: *frame.Down}, nil
}
