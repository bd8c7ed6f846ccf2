// Package monitoring - telemetry.go records request events.
//
// DESIGN: Tracker writes one structured event per request to a sink:
//   - jsonl:  one JSON object per line, appended immediately (default)
//   - sqlite: rows in request_events / init_events (see sqlite.go)
//
// Recording is synchronous and serialized by the tracker mutex.
package monitoring

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lmgate/lmstudio-gateway/internal/config"
	"github.com/lmgate/lmstudio-gateway/internal/utils"
)

type eventSink interface {
	WriteRequest(event *RequestEvent) error
	WriteInit(event *InitEvent) error
	Close() error
}

// Tracker handles telemetry event recording.
type Tracker struct {
	config       config.TelemetryConfig
	sink         eventSink
	requestCount int
	mu           sync.Mutex
}

// NewTracker creates a new telemetry tracker. A disabled config yields a
// tracker whose Record methods are no-ops.
func NewTracker(cfg config.TelemetryConfig) (*Tracker, error) {
	t := &Tracker{
		config: cfg,
	}

	if !cfg.Enabled {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("telemetry dir: %w", err)
	}

	switch cfg.Sink {
	case config.SinkSQLite:
		sink, err := newSQLiteSink(cfg.Path)
		if err != nil {
			return nil, err
		}
		t.sink = sink
	default:
		t.sink = newJSONLSink(cfg.Path)
	}

	return t, nil
}

// Enabled reports whether events are being recorded.
func (t *Tracker) Enabled() bool {
	return t != nil && t.sink != nil
}

// RecordRequest records a request event.
func (t *Tracker) RecordRequest(event *RequestEvent) {
	if !t.Enabled() || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.sink.WriteRequest(event); err != nil {
		log.Error().Err(err).Str("path", t.config.Path).Msg("telemetry: failed to write request event")
		return
	}
	t.requestCount++
}

// RecordInit records the gateway initialization event.
func (t *Tracker) RecordInit(event *InitEvent) {
	if !t.Enabled() || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.sink.WriteInit(event); err != nil {
		log.Error().Err(err).Str("path", t.config.Path).Msg("telemetry: failed to write init event")
	}
}

// Close flushes and releases the sink.
func (t *Tracker) Close() error {
	if !t.Enabled() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.requestCount > 0 {
		log.Info().
			Str("path", t.config.Path).
			Int("events", t.requestCount).
			Msg("telemetry: session complete")
	}

	return t.sink.Close()
}

// =============================================================================
// JSONL SINK
// =============================================================================

type jsonlSink struct {
	requestPath string
	initPath    string
}

func newJSONLSink(path string) *jsonlSink {
	return &jsonlSink{
		requestPath: path,
		initPath:    filepath.Join(filepath.Dir(path), "init.jsonl"),
	}
}

func (s *jsonlSink) WriteRequest(event *RequestEvent) error {
	return appendJSONL(s.requestPath, event)
}

func (s *jsonlSink) WriteInit(event *InitEvent) error {
	return appendJSONL(s.initPath, event)
}

func (s *jsonlSink) Close() error { return nil }

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := utils.MarshalNoEscape(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 -- configured path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}
