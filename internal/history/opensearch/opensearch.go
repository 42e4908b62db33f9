package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/hbwatch/internal/history"
)

// Sink writes supervision events to OpenSearch, one index per event type
// (<prefix>-restart, <prefix>-alert, ...). Documents are created with
// _create under a deterministic id so that a retried delivery is not
// stored twice.
type Sink struct {
	client *http.Client
	base   string
	prefix string
}

// document is the flattened shape stored in the index.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	Event     string    `json:"event"`
	App       string    `json:"app"`
	PID       int       `json:"pid,omitempty"`
	State     string    `json:"state,omitempty"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message,omitempty"`
}

func New(baseURL, prefix string) *Sink {
	return &Sink{
		client: &http.Client{Timeout: 5 * time.Second},
		base:   strings.TrimRight(baseURL, "/"),
		prefix: strings.ToLower(strings.Trim(prefix, "/")),
	}
}

// IndexFor returns the index an event of type t is written to.
func (s *Sink) IndexFor(t history.EventType) string {
	if t == "" {
		t = "event"
	}
	return s.prefix + "-" + strings.ToLower(string(t))
}

// DocumentID identifies e by application, type and time.
func DocumentID(e history.Event) string {
	app := e.Record.App
	if app == "" {
		app = "app"
	}
	return app + "-" + string(e.Type) + "-" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{
		Timestamp: e.OccurredAt.UTC(),
		Event:     string(e.Type),
		App:       e.Record.App,
		PID:       e.Record.PID,
		State:     e.Record.State,
		Attempt:   e.Record.Attempt,
		Message:   e.Record.Message,
	})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_create/%s", s.base, url.PathEscape(s.IndexFor(e.Type)), url.PathEscape(DocumentID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusConflict:
		// already stored by an earlier attempt
		return nil
	case resp.StatusCode >= 300:
		return fmt.Errorf("opensearch %s: status %d", s.IndexFor(e.Type), resp.StatusCode)
	}
	return nil
}
