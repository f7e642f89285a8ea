package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"softphone-bridge/internal/auth"
	"softphone-bridge/internal/config"
)

type fakeServer struct {
	mu      sync.Mutex
	hangups []map[string]string
	sms     []map[string]string
	status  string
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tok, err := auth.NewIssuer(config.TwilioConfig{
			AccountSID:  "AC123",
			APIKey:      "SK123",
			APISecret:   "secret",
			TwiMLAppSID: "AP123",
		}).Issue(time.Now(), "browser-user")
		if err != nil {
			t.Errorf("issue: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": tok.JWT})
	})
	mux.HandleFunc("/call/outgoing", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"callId":"CA1","status":"initiated","bridgeName":"conf_1"}`))
	})
	mux.HandleFunc("/call/status/CA1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.status
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"callId": "CA1", "status": status, "direction": "outbound", "durationSeconds": 75,
		})
	})
	mux.HandleFunc("/call/hangup", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.hangups = append(f.hangups, body)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true,"status":"completed"}`))
	})
	mux.HandleFunc("/sms/send", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.sms = append(f.sms, body)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	})
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"environment":"local","identity":"browser-user"}`))
	})
	return mux
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	f := &fakeServer{status: "in-progress"}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	out, err := run(t, "status", "CA1", "--server", srv.URL)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"CA1", "in-progress", "outbound", "01:15"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHangupCommand(t *testing.T) {
	f := &fakeServer{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	if _, err := run(t, "hangup", "--server", srv.URL); err == nil {
		t.Fatalf("expected an error without ids")
	}

	if _, err := run(t, "hangup", "--server", srv.URL, "--bridge", "conf_1"); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if len(f.hangups) != 1 || f.hangups[0]["bridgeName"] != "conf_1" || f.hangups[0]["callId"] != "" {
		t.Fatalf("unexpected hangup requests %v", f.hangups)
	}
}

func TestTokenInspect(t *testing.T) {
	srv := httptest.NewServer((&fakeServer{}).handler(t))
	defer srv.Close()

	out, err := run(t, "token", "--inspect", "--server", srv.URL)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	for _, want := range []string{"browser-user", "SK123", "AC123", "twilio-fpa;v=1", "AP123"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSMSCommandJoinsBody(t *testing.T) {
	f := &fakeServer{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	out, err := run(t, "sms", "5551234567", "running", "late", "--server", srv.URL)
	if err != nil {
		t.Fatalf("sms: %v", err)
	}
	if !strings.Contains(out, "SM1") {
		t.Fatalf("expected message sid in output:\n%s", out)
	}
	if len(f.sms) != 1 || f.sms[0]["To"] != "5551234567" || f.sms[0]["Body"] != "running late" {
		t.Fatalf("unexpected sms requests %v", f.sms)
	}
}

func TestServerFromEnvironment(t *testing.T) {
	srv := httptest.NewServer((&fakeServer{}).handler(t))
	defer srv.Close()
	t.Setenv("SOFTPHONE_SERVER", srv.URL)

	out, err := run(t, "info")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !strings.Contains(out, "browser-user") || !strings.Contains(out, "/socket") {
		t.Fatalf("unexpected info output:\n%s", out)
	}
}

func TestCallCommand_FollowsPolledStatusToIdle(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the post-call quiet period")
	}
	f := &fakeServer{status: "completed"}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	out, err := run(t, "call", "5551234567", "--server", srv.URL, "--no-socket", "--poll-interval", "20ms")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	for _, want := range []string{"connecting", "completed", "idle", "via poll"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.hangups) != 1 || f.hangups[0]["callId"] != "CA1" || f.hangups[0]["bridgeName"] != "conf_1" {
		t.Fatalf("expected one remote hangup, got %v", f.hangups)
	}
}
