package telemetry

import (
	"encoding/json"
	"errors"
	"time"
)

// ConnectionsPath is the control API channel streaming the connection table.
const ConnectionsPath = "/connections"

// ConnectionMetadata describes where a tracked connection comes from and goes to.
type ConnectionMetadata struct {
	Network           string `json:"network"`
	Type              string `json:"type"`
	SourceIP          string `json:"sourceIP"`
	DestinationIP     string `json:"destinationIP"`
	SourcePort        string `json:"sourcePort"`
	DestinationPort   string `json:"destinationPort"`
	InboundName       string `json:"inboundName,omitempty"`
	Host              string `json:"host"`
	SniffHost         string `json:"sniffHost,omitempty"`
	DNSMode           string `json:"dnsMode"`
	Process           string `json:"process,omitempty"`
	ProcessPath       string `json:"processPath"`
	RemoteDestination string `json:"remoteDestination,omitempty"`
}

// Target returns the most descriptive destination: host when known, IP otherwise,
// with the port appended.
func (m ConnectionMetadata) Target() string {
	host := m.Host
	if host == "" {
		host = m.SniffHost
	}
	if host == "" {
		host = m.DestinationIP
	}
	if m.DestinationPort == "" {
		return host
	}
	return host + ":" + m.DestinationPort
}

// Connection is one entry of the daemon's connection table.
type Connection struct {
	ID          string             `json:"id"`
	Metadata    ConnectionMetadata `json:"metadata"`
	Upload      int64              `json:"upload"`
	Download    int64              `json:"download"`
	Start       time.Time          `json:"start"`
	Chains      []string           `json:"chains"`
	Rule        string             `json:"rule"`
	RulePayload string             `json:"rulePayload"`
}

// ConnectionTable is a full snapshot of active connections and totals.
type ConnectionTable struct {
	DownloadTotal int64        `json:"downloadTotal"`
	UploadTotal   int64        `json:"uploadTotal"`
	Connections   []Connection `json:"connections"`
}

type connectionsFrame struct {
	DownloadTotal *int64       `json:"downloadTotal"`
	UploadTotal   *int64       `json:"uploadTotal"`
	Connections   []Connection `json:"connections"`
}

// NewConnections returns an adapter that replaces the table with every frame.
func NewConnections(resolver *Resolver, opts Options) *Channel[ConnectionTable] {
	if opts.Name == "" {
		opts.Name = "connections"
	}
	return NewChannel[ConnectionTable](resolver, Endpoint{Path: ConnectionsPath}, foldConnections, opts)
}

func foldConnections(_ ConnectionTable, payload []byte) (ConnectionTable, error) {
	var frame connectionsFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return ConnectionTable{}, err
	}
	if frame.DownloadTotal == nil || frame.UploadTotal == nil {
		return ConnectionTable{}, errors.New("connections frame missing totals")
	}
	return ConnectionTable{
		DownloadTotal: *frame.DownloadTotal,
		UploadTotal:   *frame.UploadTotal,
		Connections:   frame.Connections,
	}, nil
}
