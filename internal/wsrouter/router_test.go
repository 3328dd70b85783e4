package wsrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-labs/internal/monitor"
	"github.com/ashureev/shsh-labs/internal/registry"
	"github.com/ashureev/shsh-labs/internal/sshsession"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestMonitorClientIngestReachesSubscriber(t *testing.T) {
	reg := registry.New()
	core := monitor.New(monitor.Config{})
	rt := New(reg, core, nil, "*", true, time.Minute, time.Minute, sshsession.Config{}, CollectorConfig{})

	mux := http.NewServeMux()
	mux.HandleFunc("/monitor", rt.ServeMonitor)
	mux.HandleFunc("/monitor-client", rt.ServeMonitorClient)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subConn, _, err := websocket.Dial(ctx, wsURL(srv.URL)+"/monitor", nil)
	if err != nil {
		t.Fatalf("dial /monitor: %v", err)
	}
	defer subConn.Close(websocket.StatusNormalClosure, "")

	// Drain the session_created ack.
	if _, _, err := subConn.Read(ctx); err != nil {
		t.Fatalf("read session_created: %v", err)
	}

	subscribeMsg, _ := json.Marshal(Envelope{Type: "subscribe_server", Payload: mustJSON(subscribePayload{ServerID: "box1"})})
	if err := subConn.Write(ctx, websocket.MessageText, subscribeMsg); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if _, _, err := subConn.Read(ctx); err != nil {
		t.Fatalf("read subscribe_ack: %v", err)
	}

	clientConn, _, err := websocket.Dial(ctx, wsURL(srv.URL)+"/monitor-client", nil)
	if err != nil {
		t.Fatalf("dial /monitor-client: %v", err)
	}
	defer clientConn.Close(websocket.StatusNormalClosure, "")

	sample := systemStatsPayload{
		HostID: "box1",
		CPU:    cpuWire{Usage: 42, Cores: 4},
		Memory: memWire{Total: 1000, Used: 500},
	}
	statsMsg, _ := json.Marshal(Envelope{Type: "system_stats", Payload: mustJSON(sample)})
	if err := clientConn.Write(ctx, websocket.MessageText, statsMsg); err != nil {
		t.Fatalf("write system_stats: %v", err)
	}

	_, data, err := subConn.Read(ctx)
	if err != nil {
		t.Fatalf("read pushed frame: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != "monitoring_status" && env.Type != "system_stats" {
		t.Errorf("expected a monitoring_status or system_stats push, got %q", env.Type)
	}
}

func TestServeSSHRejectsInvalidHost(t *testing.T) {
	reg := registry.New()
	core := monitor.New(monitor.Config{})
	rt := New(reg, core, nil, "*", true, time.Minute, time.Minute, sshsession.Config{}, CollectorConfig{})

	srv := httptest.NewServer(http.HandlerFunc(rt.ServeSSH))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	connectMsg, _ := json.Marshal(Envelope{Type: "connect", Payload: mustJSON(connectPayload{
		Host: "not a valid host!!", Port: 22, Username: "root", AuthType: "password", Password: "x",
	})})
	if err := conn.Write(ctx, websocket.MessageText, connectMsg); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != "connectError" {
		t.Errorf("expected connectError, got %q (data=%s)", env.Type, data)
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
