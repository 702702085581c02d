package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	logx "pacer/pkg/logx"
)

func startTestServer(t *testing.T, cfg Config, snap SnapshotFunc) (*Service, string) {
	t.Helper()
	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := New(cfg, snap, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		ln := s.ln
		s.mu.Unlock()
		if ln != nil {
			return s, "http://" + ln.Addr().String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start listening")
	return nil, ""
}

func TestHealthAndStatus(t *testing.T) {
	t.Parallel()

	_, base := startTestServer(t, Config{}, func() any {
		return map[string]any{"jobs": map[string]int{"pending": 2}}
	})

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(base + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var payload struct {
		Jobs struct {
			Pending int `json:"pending"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.Jobs.Pending != 2 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	t.Parallel()

	_, base := startTestServer(t, Config{}, func() any { return nil })

	resp, err := http.Post(base+"/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("code = %d, want 405", resp.StatusCode)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	const token = "s3cr3t"
	_, base := startTestServer(t, Config{Token: token}, func() any { return nil })

	get := func(mutate func(*http.Request)) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, base+"/healthz", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if mutate != nil {
			mutate(req)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get(nil); code != http.StatusUnauthorized {
		t.Fatalf("no auth = %d, want 401", code)
	}
	if code := get(func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }); code != http.StatusOK {
		t.Fatalf("bearer = %d, want 200", code)
	}
	if code := get(func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") }); code != http.StatusUnauthorized {
		t.Fatalf("wrong bearer = %d, want 401", code)
	}
	if code := get(func(r *http.Request) { r.URL.RawQuery = "token=" + token }); code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", code)
	}
	if code := get(func(r *http.Request) { r.URL.RawQuery = "token=wrong" }); code != http.StatusUnauthorized {
		t.Fatalf("wrong query token = %d, want 401", code)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatal("non-loopback bind without token must be refused")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:7070", true},
		{"localhost:7070", true},
		{"[::1]:7070", true},
		{"0.0.0.0:7070", false},
		{":7070", false},
		{"192.168.1.5:7070", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
