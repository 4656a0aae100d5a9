package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/signaling"
)

type stubPeers []signaling.PeerInfo

func (p stubPeers) Len() int                       { return len(p) }
func (p stubPeers) Snapshot() []signaling.PeerInfo { return p }

func testConfig() config.RelayConfig {
	return config.RelayConfig{
		Logging:         config.Logging{Mode: config.ModeDev, LogFormat: config.LogFormatText, LogLevel: slog.LevelInfo},
		Host:            "127.0.0.1",
		Port:            0,
		ShutdownTimeout: 2 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

func startTestServer(t *testing.T, cfg config.RelayConfig, deps Deps, setup func(*Server)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, deps)
	if setup != nil {
		setup(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), Deps{}, nil)

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		getJSON(t, baseURL+"/healthz", &body)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		getJSON(t, baseURL+"/readyz", nil)
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		getJSON(t, baseURL+"/version", &got)
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestHealthReportsPeersAndUptime(t *testing.T) {
	peers := stubPeers{{ID: "browser-7", Connected: true}, {ID: "raspi-1", Connected: true}}
	baseURL := startTestServer(t, testConfig(), Deps{Peers: peers}, nil)

	var body struct {
		Status         string  `json:"status"`
		Timestamp      string  `json:"timestamp"`
		ConnectedPeers int     `json:"connectedPeers"`
		Uptime         float64 `json:"uptime"`
	}
	getJSON(t, baseURL+"/health", &body)
	if body.Status != "OK" || body.ConnectedPeers != 2 || body.Uptime < 0 {
		t.Fatalf("body=%+v", body)
	}
	if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil || !strings.HasSuffix(body.Timestamp, "Z") {
		t.Fatalf("timestamp=%q err=%v", body.Timestamp, err)
	}
}

func TestPeersListing(t *testing.T) {
	peers := stubPeers{{ID: "browser-7", Connected: true}, {ID: "raspi-1", Connected: false}}
	baseURL := startTestServer(t, testConfig(), Deps{Peers: peers}, nil)

	var body struct {
		Peers []struct {
			ID        string `json:"id"`
			Connected bool   `json:"connected"`
		} `json:"peers"`
	}
	getJSON(t, baseURL+"/peers", &body)
	if len(body.Peers) != 2 || body.Peers[0].ID != "browser-7" || !body.Peers[0].Connected || body.Peers[1].Connected {
		t.Fatalf("peers=%+v", body.Peers)
	}

	empty := startTestServer(t, testConfig(), Deps{}, nil)
	resp, err := http.Get(empty + "/peers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(raw)) != `{"peers":[]}` {
		t.Fatalf("body=%s, want empty list", raw)
	}
}

func TestCORSHeadersAndPreflight(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), Deps{}, nil)

	req, err := http.NewRequest(http.MethodOptions, baseURL+"/peers", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preflight status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin=%q, want *", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, DELETE, OPTIONS" {
		t.Fatalf("Access-Control-Allow-Methods=%q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg, Deps{}, nil)

	for _, tc := range []struct {
		origin string
		want   string
	}{
		{origin: "https://APP.example.com:443", want: "https://APP.example.com:443"},
		{origin: "https://evil.example.com", want: ""},
	} {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Origin", tc.origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tc.want {
			t.Fatalf("origin %q: Access-Control-Allow-Origin=%q, want %q", tc.origin, got, tc.want)
		}
	}
}

func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy([]string{"https://app.example.com", "http://localhost:3000"})
	for origin, want := range map[string]bool{
		"":                          true,
		"https://app.example.com":   true,
		"https://app.example.com/":  true,
		"HTTPS://APP.EXAMPLE.COM":   true,
		"http://localhost:3000":     true,
		"http://localhost:3001":     false,
		"https://app.example.com/x": false,
		"ftp://app.example.com":     false,
		"null":                      false,
	} {
		if got := p.Allows(origin); got != want {
			t.Fatalf("Allows(%q)=%v, want %v", origin, got, want)
		}
	}
	if !NewOriginPolicy([]string{"*"}).Allows("https://anything.example") {
		t.Fatalf("wildcard policy rejected an origin")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.MessagesRouted)
	baseURL := startTestServer(t, testConfig(), Deps{Metrics: m}, nil)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `event="`+metrics.MessagesRouted+`"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", raw)
	}
}

func TestStaticDirServed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>bridge</h1>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig()
	cfg.StaticDir = dir
	baseURL := startTestServer(t, cfg, Deps{}, nil)

	resp, err := http.Get(baseURL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "bridge") {
		t.Fatalf("status=%d body=%q", resp.StatusCode, raw)
	}
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	sig := signaling.NewServer(signaling.Config{})
	t.Cleanup(sig.Close)
	baseURL := startTestServer(t, testConfig(), Deps{Peers: sig.Registry()}, func(s *Server) {
		sig.RegisterRoutes(s.Mux())
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws?id=raspi-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := signaling.DecodeMessage(data)
	if err != nil || msg.Event != signaling.EventWelcome {
		t.Fatalf("welcome=%+v err=%v", msg, err)
	}

	var body struct {
		ConnectedPeers int `json:"connectedPeers"`
	}
	getJSON(t, baseURL+"/health", &body)
	if body.ConnectedPeers != 1 {
		t.Fatalf("connectedPeers=%d, want 1", body.ConnectedPeers)
	}
}
