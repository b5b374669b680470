package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dkeye/jamsync/internal/adapters/storage/memory"
	"github.com/dkeye/jamsync/internal/app"
	"github.com/dkeye/jamsync/internal/app/orch"
	"github.com/dkeye/jamsync/internal/config"
	"github.com/dkeye/jamsync/internal/domain"
	"github.com/dkeye/jamsync/pkg/protocol"
)

type testServer struct {
	srv   *httptest.Server
	store *memory.Store
	objs  *memory.Objects
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode: "test",
		Signal: config.SignalConfig{
			ReadLimit:    32768,
			SendBuffer:   16,
			RateLimit:    100,
			RateInterval: time.Second,
		},
		Session:   config.SessionConfig{MaxParticipants: 4, CookieName: "usid", DevLogin: true},
		Recording: config.RecordingConfig{MaxUploadBytes: 1 << 20},
	}
	ts := &testServer{store: memory.NewStore(), objs: memory.NewObjects()}
	o := &orch.Orchestrator{
		Registry:         app.NewRegistry(),
		Sessions:         ts.store,
		Accounts:         ts.store,
		UserSessions:     ts.store,
		Objects:          ts.objs,
		Policy:           app.SimplePolicy{Action: app.DropFrame},
		MaxParticipants:  cfg.Session.MaxParticipants,
		MicLevelInterval: time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	ts.srv = httptest.NewServer(SetupRouter(ctx, cfg, o))
	t.Cleanup(func() {
		cancel()
		ts.srv.Close()
	})
	return ts
}

type user struct {
	t     *testing.T
	ts    *testServer
	token string
}

func (ts *testServer) login(t *testing.T, name string) *user {
	t.Helper()
	resp, err := http.Post(ts.srv.URL+"/api/dev/login", "application/json", strings.NewReader(`{"username":"`+name+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: %d", name, resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "usid" {
			return &user{t: t, ts: ts, token: c.Value}
		}
	}
	t.Fatal("no usid cookie")
	return nil
}

func (u *user) do(method, path, contentType string, body []byte) (int, map[string]any) {
	u.t.Helper()
	req, err := http.NewRequest(method, u.ts.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		u.t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.AddCookie(&http.Cookie{Name: "usid", Value: u.token})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		u.t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (u *user) postJSON(path string, v any) (int, map[string]any) {
	u.t.Helper()
	body, _ := json.Marshal(v)
	return u.do("POST", path, "application/json", body)
}

func (u *user) upload(sid, duration string, data []byte) int {
	u.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "take.webm")
	if err != nil {
		u.t.Fatal(err)
	}
	_, _ = fw.Write(data)
	_ = mw.WriteField("duration", duration)
	_ = mw.Close()
	status, _ := u.do("POST", "/api/sessions/"+sid+"/recordings", mw.FormDataContentType(), buf.Bytes())
	return status
}

func (u *user) dial(sid string) *websocket.Conn {
	u.t.Helper()
	ws, err := u.ts.dialRaw("/session/"+sid+"/ws", u.token)
	if err != nil {
		u.t.Fatalf("dial: %v", err)
	}
	u.t.Cleanup(func() { ws.Close() })
	return ws
}

func (ts *testServer) dialRaw(path, token string) (*websocket.Conn, error) {
	h := http.Header{}
	if token != "" {
		h.Set("Cookie", "usid="+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.srv.URL, "http")+path, h)
	return ws, err
}

// next reads frames until one of type T arrives.
func next[T any](t *testing.T, ws *websocket.Conn) T {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			var zero T
			t.Fatalf("waiting for %T: %v", zero, err)
		}
		m, err := protocol.DecodeServer(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if v, ok := m.(T); ok {
			return v
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, v string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
		t.Fatal(err)
	}
}

func TestSessionRecordingFlow(t *testing.T) {
	ts := newTestServer(t)
	olga := ts.login(t, "olga")
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")

	status, body := olga.postJSON("/api/sessions", nil)
	if status != http.StatusCreated {
		t.Fatalf("create: %d %v", status, body)
	}
	sid, _ := body["sessionId"].(string)
	if sid == "" {
		t.Fatal("no session id")
	}

	if status, body := olga.postJSON("/api/sessions/prejoin", nil); status != http.StatusConflict || body["sessionId"] != sid {
		t.Fatalf("prejoin while owning: %d %v", status, body)
	}
	if status, _ := olga.postJSON("/api/sessions", nil); status != http.StatusConflict {
		t.Fatalf("second create: %d", status)
	}
	if status, _ := alice.postJSON("/api/sessions/prejoin", nil); status != http.StatusOK {
		t.Fatalf("prejoin free user: %d", status)
	}
	if status, _ := alice.postJSON("/api/sessions/join", map[string]string{"sessionId": sid}); status != http.StatusConflict {
		t.Fatalf("join before the owner arrives: %d", status)
	}
	if status, _ := alice.postJSON("/api/sessions/join", map[string]string{}); status != http.StatusBadRequest {
		t.Fatalf("join without id: %d", status)
	}
	if status, _ := alice.postJSON("/api/sessions/join", map[string]string{"sessionId": "nope"}); status != http.StatusNotFound {
		t.Fatalf("join unknown: %d", status)
	}

	owner := olga.dial(sid)
	ownerSetup := next[*protocol.Setup](t, owner)
	if ownerSetup.LocalID != ownerSetup.OwnerLocalID {
		t.Fatalf("owner setup %+v", ownerSetup)
	}

	if status, _ := alice.postJSON("/api/sessions/join", map[string]string{"sessionId": sid}); status != http.StatusOK {
		t.Fatalf("join: %d", status)
	}
	aws := alice.dial(sid)
	aliceSetup := next[*protocol.Setup](t, aws)
	if aliceSetup.OwnerLocalID != ownerSetup.LocalID || len(aliceSetup.Users) != 2 {
		t.Fatalf("alice setup %+v", aliceSetup)
	}
	bws := bob.dial(sid)
	next[*protocol.Setup](t, bws)

	send(t, owner, `{"type":"startRecording"}`)
	times := []int64{
		next[*protocol.Scheduled](t, owner).Time,
		next[*protocol.Scheduled](t, aws).Time,
		next[*protocol.Scheduled](t, bws).Time,
	}
	if times[0] == 0 || times[0] != times[1] || times[1] != times[2] {
		t.Fatalf("start times differ: %v", times)
	}

	if status := alice.upload(sid, "3.5", []byte("audio")); status != http.StatusCreated {
		t.Fatalf("upload: %d", status)
	}
	if status := alice.upload(sid, "3.5", []byte("audio")); status != http.StatusConflict {
		t.Fatalf("second upload: %d", status)
	}
	if status, _ := alice.do("GET", "/api/sessions/"+sid+"/recordings", "", nil); status != http.StatusForbidden {
		t.Fatalf("collaborator listing: %d", status)
	}

	owner.Close()
	removed := next[*protocol.Removed](t, aws)
	if removed.Reason != protocol.ReasonClosed {
		t.Fatalf("removed %+v", removed)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := ts.store.GetSession(context.Background(), domain.SessionID(sid))
		if err == nil && rec.Status == domain.StatusFinished {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never finished: %+v %v", rec, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, body = olga.do("GET", "/api/sessions/"+sid+"/recordings", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list: %d", status)
	}
	recs, _ := body["recordings"].([]any)
	if len(recs) != 1 {
		t.Fatalf("recordings %v", body)
	}
	first, _ := recs[0].(map[string]any)
	if first["uploaderName"] != "alice" || first["duration"] != "3.5" || first["url"] == "" {
		t.Fatalf("recording %v", first)
	}

	if status, _ := bob.postJSON("/api/sessions/join", map[string]string{"sessionId": sid}); status != http.StatusConflict {
		t.Fatalf("join finished: %d", status)
	}
}

func TestLeaveWithoutRecordingsDeletes(t *testing.T) {
	ts := newTestServer(t)
	olga := ts.login(t, "olga")
	_, body := olga.postJSON("/api/sessions", nil)
	sid, _ := body["sessionId"].(string)

	if status, _ := olga.postJSON("/api/sessions/leave", nil); status != http.StatusNoContent {
		t.Fatalf("leave: %d", status)
	}
	if _, err := ts.store.GetSession(context.Background(), domain.SessionID(sid)); err == nil {
		t.Fatal("empty session should be deleted")
	}
	if status, _ := olga.postJSON("/api/sessions/prejoin", nil); status != http.StatusOK {
		t.Fatalf("pointer should be cleared: %d", status)
	}
}

func TestAdmissionDestroysTransport(t *testing.T) {
	ts := newTestServer(t)
	olga := ts.login(t, "olga")
	_, body := olga.postJSON("/api/sessions", nil)
	sid, _ := body["sessionId"].(string)

	cases := []struct {
		name  string
		path  string
		token string
	}{
		{"no cookie", "/session/" + sid + "/ws", ""},
		{"bad cookie", "/session/" + sid + "/ws", "forged"},
		{"unknown session", "/session/missing/ws", olga.token},
		{"unknown path", "/elsewhere", olga.token},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws, err := ts.dialRaw(tc.path, tc.token)
			if err == nil {
				ws.Close()
				t.Fatal("upgrade should have been refused")
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.srv.URL+"/api/sessions", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
}
