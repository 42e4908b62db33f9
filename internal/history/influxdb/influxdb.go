package influxdb

import (
	"context"
	"fmt"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/hbwatch/internal/history"
)

// Measurement is the measurement name every event is written under.
const Measurement = "supervision"

// Options selects the InfluxDB v2 endpoint.
type Options struct {
	URL    string // http://host:8086
	Token  string
	Org    string
	Bucket string
}

// Sink writes one point per event with the blocking write API, so each Send
// reports its own delivery error.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func New(o Options) (*Sink, error) {
	if strings.TrimSpace(o.URL) == "" {
		return nil, fmt.Errorf("influxdb sink: empty url")
	}
	if o.Org == "" || o.Bucket == "" {
		return nil, fmt.Errorf("influxdb sink: org and bucket are required")
	}
	client := influxdb2.NewClient(strings.TrimRight(o.URL, "/"), o.Token)
	return &Sink{client: client, writeAPI: client.WriteAPIBlocking(o.Org, o.Bucket)}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	p := write.NewPoint(
		Measurement,
		map[string]string{
			"app":   e.Record.App,
			"event": string(e.Type),
			"state": e.Record.State,
		},
		map[string]interface{}{
			"pid":     e.Record.PID,
			"attempt": e.Record.Attempt,
			"message": e.Record.Message,
		},
		e.OccurredAt,
	)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
