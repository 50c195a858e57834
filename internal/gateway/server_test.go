package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/barkerhq/barker/internal/bus"
	"github.com/barkerhq/barker/internal/campaign"
	"github.com/barkerhq/barker/internal/command"
	"github.com/barkerhq/barker/internal/config"
	"github.com/barkerhq/barker/internal/gateway"
	"github.com/barkerhq/barker/internal/gateway/methods"
	httpapi "github.com/barkerhq/barker/internal/http"
	"github.com/barkerhq/barker/internal/platform"
	platmem "github.com/barkerhq/barker/internal/platform/memory"
	"github.com/barkerhq/barker/internal/session"
	"github.com/barkerhq/barker/internal/store"
	storemem "github.com/barkerhq/barker/internal/store/memory"
	"github.com/barkerhq/barker/pkg/protocol"
)

const testToken = "test-token"

type gatewayFixture struct {
	addr      string
	reg       *session.Registry
	stores    *store.Stores
	campaigns *campaign.Service
	agents    []session.AgentConfig
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	stores := storemem.NewStores()
	msgBus := bus.New()
	svc := campaign.NewService(stores.Campaigns, campaign.NewResolver(), msgBus)
	connector := platmem.NewConnector()

	reg := session.NewRegistry(session.Config{
		Stores:     stores,
		Campaigns:  svc,
		Events:     msgBus,
		Connectors: []platform.Connector{connector},
		Policy: session.LaunchPolicy{
			MaxAttempts:      3,
			StepTimeout:      time.Second,
			InitialBackoff:   2 * time.Millisecond,
			ClaimCooldown:    2 * time.Millisecond,
			ConflictCooldown: 40 * time.Millisecond,
		},
	})

	f := &gatewayFixture{reg: reg, stores: stores, campaigns: svc}
	f.agents = []session.AgentConfig{{
		ID:         "gw-poll",
		Name:       "Gateway Poll",
		Platform:   "memory",
		Credential: "tok-gw-poll-0123456789",
		ChannelRef: "chan-main",
		Template:   command.TemplatePoll,
	}}
	for _, a := range f.agents {
		err := stores.Agents.UpsertAgent(context.Background(), &store.AgentRecord{
			ID:         store.GenNewID(),
			AgentID:    a.ID,
			Name:       a.Name,
			Platform:   a.Platform,
			Template:   a.Template,
			ChannelRef: a.ChannelRef,
			Enabled:    true,
			State:      string(session.StateIdle),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.Default()
	cfg.Gateway.Token = testToken

	srv := gateway.NewServer(cfg, msgBus, reg)
	agentsFn := func() []session.AgentConfig { return f.agents }
	srv.SetAgentsHandler(httpapi.NewAgentsHandler(reg, svc, agentsFn, testToken))
	srv.SetStatusHandler(httpapi.NewStatusHandler(reg, testToken, "test"))
	methods.NewAgentMethods(reg, agentsFn).Register(srv.Router())
	methods.NewCampaignMethods(svc).Register(srv.Router())

	ctx, cancel := context.WithCancel(context.Background())
	addr, start := gateway.StartTestServer(srv, ctx)
	go start()

	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		reg.StopAll(stopCtx)
	})

	f.addr = addr
	waitFor(t, 2*time.Second, "gateway listening", func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	return f
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// request issues an HTTP call with optional bearer auth and decodes the
// JSON body.
func (f *gatewayFixture) request(t *testing.T, method, path, token string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+f.addr+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

// --- HTTP API tests ---

func TestHTTP_HealthNeedsNoAuth(t *testing.T) {
	f := newGatewayFixture(t)
	code, body := f.request(t, "GET", "/health", "")
	if code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", code)
	}
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}

func TestHTTP_StatusRequiresToken(t *testing.T) {
	f := newGatewayFixture(t)

	if code, _ := f.request(t, "GET", "/api/status", ""); code != http.StatusUnauthorized {
		t.Errorf("no token: GET /api/status = %d, want 401", code)
	}
	if code, _ := f.request(t, "GET", "/api/status", "wrong"); code != http.StatusUnauthorized {
		t.Errorf("bad token: GET /api/status = %d, want 401", code)
	}

	code, body := f.request(t, "GET", "/api/status", testToken)
	if code != http.StatusOK {
		t.Fatalf("GET /api/status = %d, want 200", code)
	}
	if body["version"] != "test" {
		t.Errorf("status version = %v, want test", body["version"])
	}
}

func TestHTTP_AgentLifecycle(t *testing.T) {
	f := newGatewayFixture(t)

	// Roster shows the configured agent as idle before any launch.
	code, body := f.request(t, "GET", "/api/agents", testToken)
	if code != http.StatusOK {
		t.Fatalf("GET /api/agents = %d, want 200", code)
	}
	agents, _ := body["agents"].([]interface{})
	if len(agents) != 1 {
		t.Fatalf("roster has %d agents, want 1", len(agents))
	}
	first, _ := agents[0].(map[string]interface{})
	if first["agentId"] != "gw-poll" || first["state"] != "idle" {
		t.Errorf("roster entry = %v", first)
	}

	if code, _ := f.request(t, "POST", "/api/agents/ghost/start", testToken); code != http.StatusNotFound {
		t.Errorf("start unknown agent = %d, want 404", code)
	}

	code, _ = f.request(t, "POST", "/api/agents/gw-poll/start", testToken)
	if code != http.StatusAccepted {
		t.Fatalf("POST start = %d, want 202", code)
	}
	waitFor(t, 3*time.Second, "agent running", func() bool {
		st, ok := f.reg.Get("gw-poll")
		return ok && st.State == session.StateActive
	})

	if code, _ := f.request(t, "POST", "/api/agents/gw-poll/start", testToken); code != http.StatusConflict {
		t.Errorf("double start = %d, want 409", code)
	}

	code, body = f.request(t, "GET", "/api/agents/gw-poll", testToken)
	if code != http.StatusOK {
		t.Fatalf("GET agent = %d, want 200", code)
	}
	if body["state"] != "active" || body["channelId"] != "chan-main" {
		t.Errorf("agent status = %v", body)
	}

	code, body = f.request(t, "GET", "/api/agents/gw-poll/campaigns", testToken)
	if code != http.StatusOK {
		t.Fatalf("GET campaigns = %d, want 200", code)
	}
	if got, _ := body["campaigns"].([]interface{}); len(got) != 0 {
		t.Errorf("campaigns = %v, want empty", got)
	}

	code, _ = f.request(t, "POST", "/api/agents/gw-poll/stop", testToken)
	if code != http.StatusAccepted {
		t.Fatalf("POST stop = %d, want 202", code)
	}
	waitFor(t, 3*time.Second, "agent stopped", func() bool {
		return !f.reg.Running("gw-poll")
	})

	if code, _ := f.request(t, "POST", "/api/agents/gw-poll/stop", testToken); code != http.StatusNotFound {
		t.Errorf("stop stopped agent = %d, want 404", code)
	}
}

// --- WebSocket tests ---

func dialWS(t *testing.T, addr string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (string, map[string]interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	typ, _ := m["type"].(string)
	return typ, m
}

// rpc sends a request frame and waits for its response, skipping any
// events that arrive in between.
func rpc(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) map[string]interface{} {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		typ, m := readFrame(t, conn, time.Until(deadline))
		if typ != protocol.FrameTypeResponse {
			continue
		}
		if rid, _ := m["id"].(string); rid == id {
			return m
		}
	}
	t.Fatalf("no response for %s", method)
	return nil
}

func TestWS_ConnectAuth(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialWS(t, f.addr, nil)

	// Methods before connect are rejected.
	resp := rpc(t, conn, "r1", protocol.MethodAgentsList, nil)
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("agents.list succeeded before connect")
	}

	resp = rpc(t, conn, "r2", protocol.MethodConnect, map[string]string{"token": "wrong"})
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("connect succeeded with a bad token")
	}

	resp = rpc(t, conn, "r3", protocol.MethodConnect, map[string]string{"token": testToken})
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("connect failed: %v", resp)
	}
	payload, _ := resp["payload"].(map[string]interface{})
	if v, _ := payload["protocol"].(float64); int(v) != protocol.ProtocolVersion {
		t.Errorf("protocol = %v, want %d", payload["protocol"], protocol.ProtocolVersion)
	}

	resp = rpc(t, conn, "r4", protocol.MethodAgentsList, nil)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("agents.list failed after connect: %v", resp)
	}
	payload, _ = resp["payload"].(map[string]interface{})
	if agents, _ := payload["agents"].([]interface{}); len(agents) != 1 {
		t.Errorf("agents.list returned %v", payload["agents"])
	}
}

func TestWS_BearerHeaderPreauth(t *testing.T) {
	f := newGatewayFixture(t)
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn := dialWS(t, f.addr, header)

	// No connect frame needed when the upgrade carried a valid token.
	resp := rpc(t, conn, "r1", protocol.MethodStatus, nil)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("status failed on pre-authed connection: %v", resp)
	}
}

func TestWS_AgentStartStreamsEvents(t *testing.T) {
	f := newGatewayFixture(t)
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn := dialWS(t, f.addr, header)

	resp := rpc(t, conn, "r1", protocol.MethodAgentsStart, map[string]string{"id": "gw-poll"})
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("agents.start failed: %v", resp)
	}

	// The launch outcome arrives as agent events on the stream.
	sawReady := false
	deadline := time.Now().Add(3 * time.Second)
	for !sawReady && time.Now().Before(deadline) {
		typ, m := readFrame(t, conn, time.Until(deadline))
		if typ != protocol.FrameTypeEvent {
			continue
		}
		if ev, _ := m["event"].(string); ev != protocol.EventAgent {
			continue
		}
		payload, _ := m["payload"].(map[string]interface{})
		if payload["type"] == protocol.AgentEventReady {
			data, _ := payload["data"].(map[string]interface{})
			if data["agentId"] != "gw-poll" {
				t.Errorf("ready event data = %v", data)
			}
			sawReady = true
		}
	}
	if !sawReady {
		t.Fatal("never saw the agent ready event")
	}

	resp = rpc(t, conn, "r2", protocol.MethodAgentsStop, map[string]string{"id": "gw-poll"})
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("agents.stop failed: %v", resp)
	}
	waitFor(t, 3*time.Second, "agent stopped", func() bool {
		return !f.reg.Running("gw-poll")
	})
}

func TestWS_CampaignsList(t *testing.T) {
	f := newGatewayFixture(t)
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn := dialWS(t, f.addr, header)

	if _, err := f.campaigns.CreatePoll(context.Background(), "gw-poll", "chan-main", "Best color?", []string{"Red", "Blue"}); err != nil {
		t.Fatal(err)
	}

	resp := rpc(t, conn, "r1", protocol.MethodCampaignsList, map[string]interface{}{"agentId": "gw-poll"})
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("campaigns.list failed: %v", resp)
	}
	payload, _ := resp["payload"].(map[string]interface{})
	campaigns, _ := payload["campaigns"].([]interface{})
	if len(campaigns) != 1 {
		t.Fatalf("campaigns.list returned %d campaigns, want 1", len(campaigns))
	}
	c, _ := campaigns[0].(map[string]interface{})
	if c["question"] != "Best color?" {
		t.Errorf("campaign = %v", c)
	}

	resp = rpc(t, conn, "r2", protocol.MethodCampaignsList, nil)
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("campaigns.list without agentId should fail")
	}
}

func TestWS_UnknownMethod(t *testing.T) {
	f := newGatewayFixture(t)
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn := dialWS(t, f.addr, header)

	resp := rpc(t, conn, "r1", "bogus.method", nil)
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("unknown method succeeded")
	}
	errBody, _ := resp["error"].(map[string]interface{})
	if errBody["code"] != protocol.ErrInvalidRequest {
		t.Errorf("error code = %v, want %s", errBody["code"], protocol.ErrInvalidRequest)
	}
}
