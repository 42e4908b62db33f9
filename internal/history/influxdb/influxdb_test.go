package influxdb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hbwatch/internal/history"
)

func TestInfluxSink_WritesLineProtocol(t *testing.T) {
	var body, path, org, bucket, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		org = r.URL.Query().Get("org")
		bucket = r.URL.Query().Get("bucket")
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := New(Options{URL: srv.URL, Token: "tok", Org: "plant", Bucket: "hb"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	e := history.Event{
		Type:       history.EventRestart,
		OccurredAt: time.Unix(1700000000, 0),
		Record:     history.Record{App: "demo", PID: 42, State: "connecting", Attempt: 2},
	}
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, "/api/v2/write", path)
	assert.Equal(t, "plant", org)
	assert.Equal(t, "hb", bucket)
	assert.Equal(t, "Token tok", auth)
	assert.True(t, strings.HasPrefix(body, Measurement+","), body)
	assert.Contains(t, body, "event=restart")
	assert.Contains(t, body, "attempt=2i")
}

func TestInfluxSink_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid","message":"bad point"}`))
	}))
	defer srv.Close()

	sink, err := New(Options{URL: srv.URL, Org: "o", Bucket: "b"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	assert.Error(t, sink.Send(context.Background(), history.Event{Type: history.EventAlert, OccurredAt: time.Now()}))
}

func TestInfluxSink_RequiresOrgBucket(t *testing.T) {
	_, err := New(Options{URL: "http://localhost:8086"})
	assert.Error(t, err)
	_, err = New(Options{Org: "o", Bucket: "b"})
	assert.Error(t, err)
}
