package shipper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/annotrack/pkg/types"
)

func TestHTTPTransportPostsBatch(t *testing.T) {
	var gotBody []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/annotation_tracker/log", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "tok", r.Header.Get(types.TokenHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"s1":[1,2]}`))
	}))
	defer srv.Close()

	tr := &HTTPTransport{}
	batch := []types.LogEntry{entry(1), entry(2)}
	batch[1].Properties = map[string]any{"task": "t1"}
	ack, err := tr.Send(context.Background(), srv.URL+"/api/v1/", "tok", batch)
	require.NoError(t, err)
	assert.Equal(t, types.Ack{"s1": {1, 2}}, ack)

	require.Len(t, gotBody, 2)
	assert.Equal(t, "s1", gotBody[0]["session"])
	assert.EqualValues(t, 2, gotBody[1]["sequenceId"])
	assert.Equal(t, "t1", gotBody[1]["task"])
}

func TestHTTPTransportSendsAwkwardProperties(t *testing.T) {
	var gotBody []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"s1":[1]}`))
	}))
	defer srv.Close()

	e := entry(1)
	e.Properties = map[string]any{"": "x", "ratio": math.Inf(1)}
	_, err := (&HTTPTransport{}).Send(context.Background(), srv.URL, "tok", []types.LogEntry{e})
	require.NoError(t, err)

	require.Len(t, gotBody, 1)
	assert.Equal(t, "x", gotBody[0][""])
	v, ok := gotBody[0]["ratio"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestHTTPTransportCompresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(zr)
		require.NoError(t, err)
		var entries []types.LogEntry
		require.NoError(t, json.Unmarshal(data, &entries))
		assert.Len(t, entries, 1)
		_, _ = w.Write([]byte(`{"s1":[1]}`))
	}))
	defer srv.Close()

	tr := &HTTPTransport{Compress: true}
	_, err := tr.Send(context.Background(), srv.URL, "tok", []types.LogEntry{entry(1)})
	require.NoError(t, err)
}

func TestHTTPTransportRejectsAmbiguousResponses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		noAck  bool
	}{
		{"empty object", http.StatusOK, `{}`, true},
		{"array", http.StatusOK, `[1,2]`, true},
		{"empty body", http.StatusOK, ``, true},
		{"not json", http.StatusOK, `ok`, true},
		{"server error", http.StatusInternalServerError, `{"s1":[1]}`, false},
		{"unauthorized", http.StatusUnauthorized, `denied`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := (&HTTPTransport{}).Send(context.Background(), srv.URL, "tok", []types.LogEntry{entry(1)})
			require.Error(t, err)
			assert.Equal(t, tc.noAck, errors.Is(err, ErrNoAcknowledgment))
		})
	}
}

func TestParseAckAcceptsAnyNonEmptyObject(t *testing.T) {
	ack, err := parseAck([]byte(`{"s1":[3,1],"s2":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1}, ack["s1"])
	assert.Contains(t, ack, "s2")
}

func TestHTTPTransportNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := (&HTTPTransport{}).Send(context.Background(), url, "tok", []types.LogEntry{entry(1)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoAcknowledgment)
}
