package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// LogsPath is the control API channel streaming daemon log lines.
const LogsPath = "/logs"

const levelParam = "level"

// Level is a daemon log severity, also used as the stream filter.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSilent  Level = "silent"
)

// Levels lists the filter values in increasing severity.
var Levels = []Level{LevelDebug, LevelInfo, LevelWarning, LevelError, LevelSilent}

// ParseLevel validates a filter value. "warn" is accepted as an alias.
func ParseLevel(raw string) (Level, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "warn" {
		value = string(LevelWarning)
	}
	for _, lvl := range Levels {
		if string(lvl) == value {
			return lvl, nil
		}
	}
	return "", fmt.Errorf("telemetry: unknown log level %q", raw)
}

// Next returns the following level, wrapping around.
func (l Level) Next() Level {
	for i, lvl := range Levels {
		if lvl == l {
			return Levels[(i+1)%len(Levels)]
		}
	}
	return LevelInfo
}

// LogLine is one received log entry. ReceivedAt is stamped locally.
type LogLine struct {
	Level      Level     `json:"type"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

type logFrame struct {
	Type    *string `json:"type"`
	Payload *string `json:"payload"`
}

// LogStream is the log channel. The embedded Channel keeps lines oldest first
// so each frame is an append; Value and Recent present them newest first.
type LogStream struct {
	*Channel[[]LogLine]
}

// NewLogs returns a log adapter filtered at level.
func NewLogs(resolver *Resolver, level Level, opts Options) (*LogStream, error) {
	if _, err := ParseLevel(string(level)); err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = "logs"
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
		opts.Clock = clk
	}
	endpoint := Endpoint{Path: LogsPath, Params: map[string]string{levelParam: string(level)}}
	return &LogStream{Channel: NewChannel[[]LogLine](resolver, endpoint, appendLogs(clk), opts)}, nil
}

// Value returns a copy of every received line, newest first.
func (s *LogStream) Value() []LogLine {
	return s.Recent(-1)
}

// Recent returns up to limit of the latest lines, newest first. A negative
// limit returns all of them.
func (s *LogStream) Recent(limit int) []LogLine {
	return newestFirst(s.Channel.Value(), limit)
}

// Level returns the active filter.
func (s *LogStream) Level() Level {
	return Level(s.Endpoint().Params[levelParam])
}

// SetLevel switches the filter. The current socket is closed and a new one is
// opened immediately against the new endpoint; setting the active level is a
// no-op.
func (s *LogStream) SetLevel(ctx context.Context, level Level) error {
	parsed, err := ParseLevel(string(level))
	if err != nil {
		return err
	}
	if parsed == s.Level() {
		return nil
	}
	return s.Reconfigure(ctx, s.Endpoint().WithParam(levelParam, string(parsed)))
}

// appendLogs stamps each frame and appends it. Growing prev in place is
// safe: earlier values handed to readers never extend past their own length.
func appendLogs(clk clock.Clock) FoldFunc[[]LogLine] {
	return func(prev []LogLine, payload []byte) ([]LogLine, error) {
		var frame logFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return prev, err
		}
		if frame.Type == nil || frame.Payload == nil {
			return prev, errors.New("log frame missing type/payload")
		}
		return append(prev, LogLine{
			Level:      Level(*frame.Type),
			Payload:    *frame.Payload,
			ReceivedAt: clk.Now(),
		}), nil
	}
}

func newestFirst(lines []LogLine, limit int) []LogLine {
	if limit < 0 || limit > len(lines) {
		limit = len(lines)
	}
	out := make([]LogLine, limit)
	for i := range out {
		out[i] = lines[len(lines)-1-i]
	}
	return out
}
