package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"xiangqi/server/internal/config"
	"xiangqi/server/internal/metrics"
	"xiangqi/server/internal/protocol"
	"xiangqi/server/internal/server"
	"xiangqi/server/internal/store"
)

type fixture struct {
	st   *store.Store
	core *server.Core
	http *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := config.Config{
		Server: config.ServerConfig{SendChannelSize: 64},
		Game: config.GameConfig{
			InitialTimeMs:   600000,
			KFactor:         32,
			RatingTolerance: 200,
			MatchRetention:  time.Hour,
		},
		Limits: config.LimitsConfig{
			MaxSessions:    100,
			MaxReady:       16,
			MaxRooms:       8,
			MaxChallenges:  8,
			MaxMatches:     16,
			MaxMoves:       300,
			MaxSpectators:  8,
			PersistWorkers: 1,
		},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := metrics.With(prometheus.NewRegistry())
	core := server.NewCore(cfg, log, st, st, reg)
	api := New(core, st, reg)
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(func() {
		ts.Close()
		core.Close()
		st.Close()
	})
	return &fixture{st: st, core: core, http: ts}
}

func (f *fixture) getJSON(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	var body struct {
		Status  string `json:"status"`
		Matches int    `json:"matches"`
	}
	resp := f.getJSON(t, "/health", &body)
	if resp.StatusCode != http.StatusOK || body.Status != "ok" || body.Matches != 0 {
		t.Errorf("health: status=%d body=%+v", resp.StatusCode, body)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)

	var stats server.Stats
	resp := f.getJSON(t, "/api/stats", &stats)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status: %d", resp.StatusCode)
	}
	if stats.Connections != 0 || stats.ActiveMatches != 0 {
		t.Errorf("fresh server stats: %+v", stats)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	f := newFixture(t)
	for _, u := range []struct {
		name   string
		rating int
	}{{"alice", 1300}, {"bob", 1250}, {"carol", 1100}} {
		id, err := f.st.CreateUser(u.name, "", "h")
		if err != nil {
			t.Fatal(err)
		}
		if err := f.st.UpdateRating(id, u.rating); err != nil {
			t.Fatal(err)
		}
	}

	var body leaderboardResponse
	f.getJSON(t, "/api/leaderboard?limit=2", &body)
	if body.Total != 3 || len(body.Players) != 2 {
		t.Fatalf("leaderboard page: %+v", body)
	}
	if body.Players[0].Username != "alice" || body.Players[0].Rank != 1 {
		t.Errorf("top entry: %+v", body.Players[0])
	}

	f.getJSON(t, "/api/leaderboard?limit=2&offset=2", &body)
	if len(body.Players) != 1 || body.Players[0].Username != "carol" || body.Players[0].Rank != 3 {
		t.Errorf("second page: %+v", body)
	}

	// Garbage paging parameters fall back to defaults.
	resp := f.getJSON(t, "/api/leaderboard?limit=bogus&offset=-4", &body)
	if resp.StatusCode != http.StatusOK || len(body.Players) != 3 {
		t.Errorf("default paging: status=%d %+v", resp.StatusCode, body)
	}
}

func TestLiveEmpty(t *testing.T) {
	f := newFixture(t)

	var live []protocol.LiveMatch
	resp := f.getJSON(t, "/api/live", &live)
	if resp.StatusCode != http.StatusOK || len(live) != 0 {
		t.Errorf("live: status=%d %+v", resp.StatusCode, live)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status: %d", resp.StatusCode)
	}
}

// wsClient drives the line protocol over the WebSocket bridge.
type wsClient struct {
	t     *testing.T
	conn  *websocket.Conn
	seq   int
	notes []wsMsg
}

func dialWS(t *testing.T, f *fixture) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

type wsMsg struct {
	Type    string          `json:"type"`
	Seq     int             `json:"seq"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

func (c *wsClient) recv() wsMsg {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("ws read: %v", err)
	}
	var m wsMsg
	if err := json.Unmarshal(data, &m); err != nil {
		c.t.Fatalf("ws decode %s: %v", data, err)
	}
	return m
}

// do sends one request and returns its response, buffering any
// notifications that arrive first.
func (c *wsClient) do(typ, token string, payload any) wsMsg {
	c.t.Helper()
	c.seq++
	req := protocol.Request{Type: typ, Seq: c.seq, Token: token}
	if payload != nil {
		raw, _ := json.Marshal(payload)
		req.Payload = raw
	}
	line, _ := json.Marshal(req)
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, line); err != nil {
		c.t.Fatalf("ws write: %v", err)
	}
	for {
		m := c.recv()
		if (m.Type == protocol.TypeResponse || m.Type == protocol.TypeErr) && m.Seq == c.seq {
			return m
		}
		c.notes = append(c.notes, m)
	}
}

// waitFor returns a buffered notification of the given type, reading
// further messages until one arrives.
func (c *wsClient) waitFor(typ string) wsMsg {
	c.t.Helper()
	for i, m := range c.notes {
		if m.Type == typ {
			c.notes = append(c.notes[:i], c.notes[i+1:]...)
			return m
		}
	}
	for {
		m := c.recv()
		if m.Type == typ {
			return m
		}
		c.notes = append(c.notes, m)
	}
}

func TestWebSocketBridge(t *testing.T) {
	f := newFixture(t)
	c := dialWS(t, f)

	m := c.do(protocol.TypeRegister, "", protocol.RegisterPayload{Username: "alice", Password: "pw"})
	if !m.Success {
		t.Fatalf("register over ws: %+v", m)
	}
	m = c.do(protocol.TypeLogin, "", protocol.LoginPayload{Username: "alice", Password: "pw"})
	if !m.Success {
		t.Fatalf("login over ws: %+v", m)
	}
	var login protocol.LoginResult
	if err := json.Unmarshal(m.Payload, &login); err != nil {
		t.Fatal(err)
	}

	m = c.do(protocol.TypeHeartbeat, login.Token, nil)
	if !m.Success || m.Message != "pong" {
		t.Errorf("heartbeat over ws: %+v", m)
	}
}

func TestWebSocketPairsWithBridgeClients(t *testing.T) {
	f := newFixture(t)
	a := dialWS(t, f)
	b := dialWS(t, f)

	tokenFor := func(c *wsClient, name string) string {
		c.do(protocol.TypeRegister, "", protocol.RegisterPayload{Username: name, Password: "pw"})
		m := c.do(protocol.TypeLogin, "", protocol.LoginPayload{Username: name, Password: "pw"})
		var res protocol.LoginResult
		if err := json.Unmarshal(m.Payload, &res); err != nil {
			t.Fatal(err)
		}
		return res.Token
	}
	ta := tokenFor(a, "alice")
	tb := tokenFor(b, "bob")

	a.do(protocol.TypeFindMatch, ta, protocol.FindMatchPayload{Mode: "random"})
	b.do(protocol.TypeFindMatch, tb, protocol.FindMatchPayload{Mode: "random"})

	var forA, forB protocol.MatchFound
	if err := json.Unmarshal(a.waitFor(protocol.NotifyMatchFound).Payload, &forA); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b.waitFor(protocol.NotifyMatchFound).Payload, &forB); err != nil {
		t.Fatal(err)
	}
	if forA.YourColor != "red" || forB.YourColor != "black" {
		t.Errorf("bridge pairing colors: %+v / %+v", forA, forB)
	}
	if forA.MatchID != forB.MatchID {
		t.Error("bridge clients paired into different matches")
	}
}
