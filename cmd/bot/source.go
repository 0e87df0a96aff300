package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/efarrell-labs/alertrunner/internal/models"
)

// EventSource yields typed events from the upstream classifier. Next
// blocks until an event is available, the stream ends (io.EOF) or ctx is
// cancelled.
type EventSource interface {
	Next(ctx context.Context) (*models.Event, error)
}

// JSONLSource reads one JSON-encoded event per line. Lines that fail to
// decode or validate become IGNORE events: bad input never crashes the
// bot, it just does nothing.
type JSONLSource struct {
	scanner *bufio.Scanner
	logger  *logrus.Logger
}

// NewJSONLSource wraps a line-oriented event feed.
func NewJSONLSource(r io.Reader, logger *logrus.Logger) *JSONLSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &JSONLSource{scanner: scanner, logger: logger}
}

// Next returns the next event from the feed.
func (s *JSONLSource) Next(ctx context.Context) (*models.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var event models.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			s.logger.WithError(err).Debug("unparseable event line, ignoring")
			return ignoreEvent(line), nil
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		if err := event.Validate(); err != nil {
			s.logger.WithError(err).WithField("type", string(event.Type)).
				Warn("invalid event, ignoring")
			return ignoreEvent(line), nil
		}
		return &event, nil
	}
}

func ignoreEvent(raw string) *models.Event {
	return &models.Event{
		Type:      models.EventIgnore,
		Timestamp: time.Now().UTC(),
		Raw:       raw,
	}
}
