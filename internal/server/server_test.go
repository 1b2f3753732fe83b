package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/yourorg/annotrack/internal/config"
	"github.com/yourorg/annotrack/internal/store"
	"github.com/yourorg/annotrack/pkg/types"
)

const logURL = "/api/v1/annotation_tracker/log"

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, *store.SQLiteStore) {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	for _, m := range mutate {
		m(cfg)
	}

	dbPath := filepath.Join(t.TempDir(), "annotrack.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	srv, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, st
}

func postLog(t *testing.T, srv *Server, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, logURL, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(types.TokenHeader, "tok")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) types.Ack {
	t.Helper()
	var ack types.Ack
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func TestLogStoresAndAcknowledges(t *testing.T) {
	srv, st := newTestServer(t)

	body := `[
		{"session":"s1","sequenceId":2,"epochms":1700000000002,"activity":"click","target":"body>button#go"},
		{"session":"s1","sequenceId":1,"epochms":1700000000001,"activity":"session","subactivity":"startSession"},
		{"session":"s2","sequenceId":1,"epochms":1700000000003,"activity":"task","task":"t1"}
	]`
	rec := postLog(t, srv, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	ack := decodeAck(t, rec)
	if got := ack["s1"]; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected ack for s1: %v", got)
	}
	if got := ack["s2"]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected ack for s2: %v", got)
	}

	ok, err := st.HasActivity("s2", 1)
	if err != nil || !ok {
		t.Fatalf("expected s2/1 stored, ok=%v err=%v", ok, err)
	}
}

func TestLogDuplicateBatchIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `[{"session":"s1","sequenceId":1,"epochms":1,"activity":"click"}]`

	for i := 0; i < 2; i++ {
		rec := postLog(t, srv, body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d", i, rec.Code)
		}
		ack := decodeAck(t, rec)
		if len(ack["s1"]) != 1 || ack["s1"][0] != 1 {
			t.Fatalf("attempt %d: unexpected ack %v", i, ack)
		}
	}
}

func TestLogRejectsInvalidEntries(t *testing.T) {
	srv, st := newTestServer(t)
	cases := map[string]string{
		"not json":            `nope`,
		"object body":         `{"session":"s1"}`,
		"missing session":     `[{"sequenceId":1,"epochms":1,"activity":"click"}]`,
		"missing sequence":    `[{"session":"s1","epochms":1,"activity":"click"}]`,
		"string sequence":     `[{"session":"s1","sequenceId":"1","epochms":1,"activity":"click"}]`,
		"negative sequence":   `[{"session":"s1","sequenceId":-1,"epochms":1,"activity":"click"}]`,
		"fractional sequence": `[{"session":"s1","sequenceId":1.5,"epochms":1,"activity":"click"}]`,
		"missing epochms":     `[{"session":"s1","sequenceId":1,"activity":"click"}]`,
		"null epochms":        `[{"session":"s1","sequenceId":1,"epochms":null,"activity":"click"}]`,
		"string epochms":      `[{"session":"s1","sequenceId":1,"epochms":"1","activity":"click"}]`,
		"missing activity":    `[{"session":"s1","sequenceId":1,"epochms":1}]`,
		"one bad entry":       `[{"session":"ok","sequenceId":1,"epochms":1,"activity":"a"},{"session":"","sequenceId":2,"epochms":1,"activity":"a"}]`,
	}
	for name, body := range cases {
		rec := postLog(t, srv, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", name, rec.Code)
		}
	}
	if ok, _ := st.HasActivity("ok", 1); ok {
		t.Fatalf("a rejected batch must store nothing")
	}
}

func TestLogAcceptsBoundaryValues(t *testing.T) {
	srv, st := newTestServer(t)
	body := `[
		{"session":"b","sequenceId":0,"epochms":0,"activity":"click"},
		{"session":"b","sequenceId":1,"epochms":1700000000000.5,"activity":"click"},
		{"session":"b","sequenceId":2,"epochms":-5,"activity":"click"}
	]`
	rec := postLog(t, srv, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	ack := decodeAck(t, rec)
	if got := ack["b"]; len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("unexpected ack %v", ack)
	}
	for seq := int64(0); seq <= 2; seq++ {
		if ok, err := st.HasActivity("b", seq); err != nil || !ok {
			t.Fatalf("entry %d not stored: %v", seq, err)
		}
	}
}

func TestLogEmptyArray(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := postLog(t, srv, `[]`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("expected empty object, got %s", rec.Body.String())
	}
}

func TestLogRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.Config) {
		c.Collector.Tokens = []string{"good"}
	})
	body := `[{"session":"s1","sequenceId":1,"epochms":1,"activity":"click"}]`

	if rec := postLog(t, srv, body, map[string]string{types.TokenHeader: ""}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", rec.Code)
	}
	if rec := postLog(t, srv, body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown token: status = %d", rec.Code)
	}
	if rec := postLog(t, srv, body, map[string]string{types.TokenHeader: "good"}); rec.Code != http.StatusOK {
		t.Fatalf("good token: status = %d", rec.Code)
	}
}

func TestLogAcceptsGzip(t *testing.T) {
	srv, st := newTestServer(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`[{"session":"gz","sequenceId":7,"epochms":1,"activity":"click"}]`))
	_ = zw.Close()

	rec := postLog(t, srv, buf.String(), map[string]string{"Content-Encoding": "gzip"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ok, _ := st.HasActivity("gz", 7); !ok {
		t.Fatalf("expected gz/7 stored")
	}
}

func TestLogPreflightAndMethods(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.Config) {
		c.Collector.CORSOrigin = "http://viewer.local"
	})

	req := httptest.NewRequest(http.MethodOptions, logURL, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://viewer.local" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), types.TokenHeader) {
		t.Fatalf("token header not allowed in CORS")
	}

	req = httptest.NewRequest(http.MethodGet, logURL, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}
