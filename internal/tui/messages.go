package tui

import "github.com/nupi-ai/proxyscope/internal/telemetry"

// Source identifiers carried by updateMsg.
const (
	sourceTraffic     = "traffic"
	sourceConnections = "connections"
	sourceLogs        = "logs"
)

// updateMsg signals that a channel's snapshot changed.
type updateMsg struct {
	source string
}

// levelChangedMsg reports the result of a log level switch.
type levelChangedMsg struct {
	level telemetry.Level
	err   error
}

// restartedMsg reports the result of restarting every channel.
type restartedMsg struct {
	err error
}

// backendChangedMsg is sent when the stored backend selection changes.
type backendChangedMsg struct {
	current string
}

// backendResolvedMsg carries the backend the channels resolve to after a
// selection change.
type backendResolvedMsg struct {
	url string
	err error
}
