package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_RoundTrips(t *testing.T) {
	var hangupBody map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"jwt"}`))
	})
	mux.HandleFunc("/call/outgoing", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["To"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"To is required"}`))
			return
		}
		_, _ = w.Write([]byte(`{"callId":"CA1","status":"initiated","bridgeName":"conf_1"}`))
	})
	mux.HandleFunc("/call/status/CA1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"callId":"CA1","status":"ringing","direction":"outbound","durationSeconds":0}`))
	})
	mux.HandleFunc("/call/hangup", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&hangupBody)
		_, _ = w.Write([]byte(`{"success":true,"status":"completed"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if tok, err := c.Token(ctx); err != nil || tok != "jwt" {
		t.Fatalf("token: %q %v", tok, err)
	}

	p, err := c.PlaceCall(ctx, "5551234567")
	if err != nil || p.CallID != "CA1" || p.BridgeName != "conf_1" {
		t.Fatalf("place: %+v %v", p, err)
	}
	if _, err := c.PlaceCall(ctx, ""); !IsBadRequest(err) {
		t.Fatalf("expected bad request, got %v", err)
	}

	rec, err := c.CallStatus(ctx, "CA1")
	if err != nil || rec.Status != "ringing" || rec.Direction != "outbound" {
		t.Fatalf("status: %+v %v", rec, err)
	}

	if err := c.Hangup(ctx, "", "conf_1"); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if _, ok := hangupBody["callId"]; ok || hangupBody["bridgeName"] != "conf_1" {
		t.Fatalf("unexpected hangup body: %v", hangupBody)
	}
}

func TestClient_SocketURL(t *testing.T) {
	for base, want := range map[string]string{
		"http://localhost:3000":  "ws://localhost:3000/socket",
		"https://bridge.example": "wss://bridge.example/socket",
	} {
		c, err := New(Options{BaseURL: base})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if got := c.SocketURL(); got != want {
			t.Fatalf("%s: expected %s, got %s", base, want, got)
		}
	}
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
