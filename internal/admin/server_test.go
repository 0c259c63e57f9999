package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/uspagent/internal/delivery"
	"github.com/danmuck/uspagent/internal/notify"
	"github.com/danmuck/uspagent/internal/protocol/session"
	"github.com/danmuck/uspagent/internal/testutil/testlog"
)

type stubAgent struct {
	ready  bool
	closed []string
}

func (s *stubAgent) EndpointID() string { return "os::agent" }
func (s *stubAgent) Ready() bool        { return s.ready }
func (s *stubAgent) Bindings() []string { return []string{"loopback"} }
func (s *stubAgent) Peers() []string    { return []string{"proto::ctrl"} }
func (s *stubAgent) Subscriptions() []notify.Subscription {
	return []notify.Subscription{{
		Path:          "Device.LocalAgent.Subscription.1.",
		ID:            "sub-1",
		Recipient:     "proto::ctrl",
		NotifType:     notify.NotifValueChange,
		ReferenceList: []string{"Device.DeviceInfo.FriendlyName"},
		Enable:        true,
	}}
}
func (s *stubAgent) Pending() []delivery.Pending {
	return []delivery.Pending{{
		ID:     "notify-1",
		Peer:   "proto::ctrl",
		Kind:   delivery.KindNotification,
		State:  delivery.StatePending,
		SentAt: time.Now(),
	}}
}
func (s *stubAgent) Sessions() []session.Info {
	return []session.Info{{Peer: "proto::ctrl", SessionID: 7, SequenceID: 3}}
}
func (s *stubAgent) ClosePeer(peer string) { s.closed = append(s.closed, peer) }

func serve(t *testing.T, s *Server, method, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	var body map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s body: %v", path, err)
		}
	}
	return rr, body
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	a := &stubAgent{}
	s := New(Config{Token: "s3cret"}, a, nil)

	rr, body := serve(t, s, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || body["status"] != "ok" || body["endpoint"] != "os::agent" {
		t.Fatalf("health got=%d %v", rr.Code, body)
	}

	rr, body = serve(t, s, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Fatalf("not-ready got=%d %v", rr.Code, body)
	}
	a.ready = true
	rr, _ = serve(t, s, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ready got=%d", rr.Code)
	}

	rr, _ = serve(t, s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics got=%d", rr.Code)
	}
}

func TestIntrospectionRequiresToken(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Token: "s3cret"}, &stubAgent{}, nil)
	for _, path := range []string{"/subscriptions", "/pending", "/sessions", "/peers"} {
		if rr, _ := serve(t, s, http.MethodGet, path, ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token got=%d", path, rr.Code)
		}
		if rr, _ := serve(t, s, http.MethodGet, path, "wrong"); rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s with wrong token got=%d", path, rr.Code)
		}
	}
}

func TestIntrospectionViews(t *testing.T) {
	testlog.Start(t)
	s := New(Config{Token: "s3cret"}, &stubAgent{}, nil)

	rr, body := serve(t, s, http.MethodGet, "/subscriptions", "s3cret")
	if rr.Code != http.StatusOK {
		t.Fatalf("subscriptions got=%d", rr.Code)
	}
	subs := body["subscriptions"].([]any)
	if len(subs) != 1 || subs[0].(map[string]any)["notif_type"] != "ValueChange" {
		t.Fatalf("subscriptions body: %v", body)
	}

	_, body = serve(t, s, http.MethodGet, "/pending", "s3cret")
	pending := body["pending"].([]any)
	if len(pending) != 1 || pending[0].(map[string]any)["kind"] != "notification" {
		t.Fatalf("pending body: %v", body)
	}

	_, body = serve(t, s, http.MethodGet, "/sessions", "s3cret")
	sessions := body["sessions"].([]any)
	if len(sessions) != 1 || sessions[0].(map[string]any)["session_id"] != float64(7) {
		t.Fatalf("sessions body: %v", body)
	}
}

func TestClosePeerRoute(t *testing.T) {
	testlog.Start(t)
	a := &stubAgent{}
	s := New(Config{Token: "s3cret"}, a, nil)
	rr, _ := serve(t, s, http.MethodPost, "/peers/proto::ctrl/close", "s3cret")
	if rr.Code != http.StatusOK {
		t.Fatalf("close got=%d body=%s", rr.Code, rr.Body.String())
	}
	if len(a.closed) != 1 || a.closed[0] != "proto::ctrl" {
		t.Fatalf("closed peers got=%v", a.closed)
	}
}
