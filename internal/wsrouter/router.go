package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/crypto/ssh"

	"github.com/ashureev/shsh-labs/internal/aipipeline"
	"github.com/ashureev/shsh-labs/internal/identity"
	"github.com/ashureev/shsh-labs/internal/monitor"
	"github.com/ashureev/shsh-labs/internal/registry"
	"github.com/ashureev/shsh-labs/internal/sshsession"
)

// compressionThreshold is the per-message-deflate activation size, per
// spec §4.1 — a required wire-level behavior, never skipped.
const compressionThreshold = 1024

// CollectorConfig bundles the Monitoring Core collector tunables the
// router threads into every SSH-bound collector it spawns on a session's
// StateOpen transition, sourced from internal/config.MonitorConfig.
type CollectorConfig struct {
	PollInterval time.Duration // default 1s
	CmdTimeout   time.Duration // default 8s, forwarded to monitor.NewCollector
	Ceiling      float64       // default 8, forwarded to monitor.NewCollector
}

func (c CollectorConfig) withDefaults() CollectorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Router accepts upgrades on the four defined paths and dispatches
// decoded envelopes to the cores. It owns no session state itself beyond
// the connTracker watchdog; each core owns its own registries.
type Router struct {
	registry      *registry.Registry
	monitorCore   *monitor.Core
	pipeline      *aipipeline.Pipeline
	allowedOrigin string
	isDev         bool
	tracker       *connTracker

	watchdogInterval time.Duration
	idleTimeout      time.Duration

	sshConfig    sshsession.Config
	collectorCfg CollectorConfig
}

// New creates a Router wired to the three cores. sshCfg and collectorCfg
// thread the SSH Session Core's and Monitoring Core collector's operator
// configuration through from internal/config; zero values apply defaults.
func New(reg *registry.Registry, monitorCore *monitor.Core, pipeline *aipipeline.Pipeline, allowedOrigin string, isDev bool, watchdogInterval, idleTimeout time.Duration, sshCfg sshsession.Config, collectorCfg CollectorConfig) *Router {
	if watchdogInterval <= 0 {
		watchdogInterval = 5 * time.Minute
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Router{
		registry:         reg,
		monitorCore:      monitorCore,
		pipeline:         pipeline,
		allowedOrigin:    allowedOrigin,
		isDev:            isDev,
		tracker:          newConnTracker(),
		watchdogInterval: watchdogInterval,
		idleTimeout:      idleTimeout,
		sshConfig:        sshCfg,
		collectorCfg:     collectorCfg.withDefaults(),
	}
}

// RunWatchdog blocks, sweeping idle connections until stop is closed.
func (rt *Router) RunWatchdog(stop <-chan struct{}) {
	rt.tracker.runWatchdog(rt.watchdogInterval, rt.idleTimeout, stop)
}

func (rt *Router) checkOrigin(r *http.Request) bool {
	if rt.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || rt.allowedOrigin == "*" {
		return true
	}
	return origin == rt.allowedOrigin
}

func (rt *Router) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	if !rt.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return nil, false
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:       []string{"*"},
		CompressionMode:      websocket.CompressionContextTakeover,
		CompressionThreshold: compressionThreshold,
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return nil, false
	}
	return ws, true
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func isCloseErr(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}

// --- /ssh ---

// ServeSSH handles the SSH Session Core's WebSocket path.
func (rt *Router) ServeSSH(w http.ResponseWriter, r *http.Request) {
	ws, ok := rt.accept(w, r)
	if !ok {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	userID := identity.UserIDFromContext(r.Context())
	connectionID := nextSessionID()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	rt.tracker.register(connectionID, func(reason string) {
		cancel()
		ws.Close(websocket.StatusGoingAway, reason)
	})
	defer rt.tracker.unregister(connectionID)

	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}
	safeWrite := func(e Envelope) {
		<-writeMu
		defer func() { writeMu <- struct{}{} }()
		if err := writeEnvelope(context.Background(), ws, e); err != nil && !isCloseErr(err) {
			slog.Debug("ssh websocket write failed", "connection_id", connectionID, "error", err)
		}
	}

	events := sshsession.Events{
		Connected: func(sessionID string) {
			safeWrite(encodeData("connected", map[string]string{"sessionId": sessionID}))
		},
		Data: func(payload []byte) {
			rt.tracker.touch(connectionID)
			raw, _ := json.Marshal(string(payload))
			safeWrite(Envelope{Type: "data", Payload: raw})
		},
		Latency: func(ms, avgMs int64) {
			safeWrite(encodeData("latency", map[string]int64{"ms": ms, "avgMs": avgMs}))
		},
		ConnectError: func(code, message string) {
			safeWrite(encodeData("connectError", map[string]string{"code": code, "message": message}))
		},
		Disconnected: func() {
			safeWrite(encode("disconnected", nil))
			cancel()
		},
		MonitorBind: func(bindCtx context.Context, client *ssh.Client, hostID string) {
			collector := monitor.NewCollector(hostID, connectionID, client, rt.monitorCore, rt.collectorCfg.CmdTimeout, rt.collectorCfg.Ceiling)
			go collector.Run(bindCtx, rt.collectorCfg.PollInterval, func(reason string) {
				slog.Debug("monitoring collector stopped", "connection_id", connectionID, "host_id", hostID, "reason", reason)
			})
		},
	}

	session := sshsession.New(connectionID, userID, events, rt.registry, rt.sshConfig)
	defer session.Disconnect()

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if !isCloseErr(err) {
				slog.Debug("ssh websocket read error", "connection_id", connectionID, "error", err)
			}
			return
		}
		rt.tracker.touch(connectionID)

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}

		switch env.Type {
		case "connect":
			var p connectPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				safeWrite(encodeData("connectError", map[string]string{"code": "invalid_request", "message": "malformed connect payload"}))
				continue
			}
			go rt.handleConnect(ctx, session, p)
		case "data":
			var payload string
			_ = json.Unmarshal(env.Payload, &payload)
			if err := session.Data([]byte(payload)); err != nil {
				slog.Debug("ssh data write failed", "connection_id", connectionID, "error", err)
			}
		case "resize":
			var p resizePayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				_ = session.Resize(p.Cols, p.Rows)
			}
		case "disconnect":
			session.Disconnect()
			return
		case "ping":
			safeWrite(encode("pong", nil))
		default:
			safeWrite(encodeData("error", map[string]string{"code": "unknown_type", "message": "unrecognized envelope type: " + env.Type}))
		}
	}
}

func (rt *Router) handleConnect(ctx context.Context, session *sshsession.Session, p connectPayload) {
	authType := sshsession.AuthPassword
	if p.AuthType == "key" {
		authType = sshsession.AuthKey
	}
	creds := sshsession.Credentials{
		Type:       authType,
		Password:   []byte(p.Password),
		PrivateKey: []byte(p.PrivateKey),
		Passphrase: []byte(p.Passphrase),
	}
	keepAlive := time.Duration(p.KeepAlive) * time.Second
	_ = session.Connect(ctx, sshsession.ConnectParams{
		Host:        p.Host,
		Port:        p.Port,
		Username:    p.Username,
		Credentials: creds,
		Cols:        p.Cols,
		Rows:        p.Rows,
		KeepAlive:   keepAlive,
	}, "")
}

// --- /monitor ---

// ServeMonitor handles the Monitoring Core's subscriber-facing path.
func (rt *Router) ServeMonitor(w http.ResponseWriter, r *http.Request) {
	ws, ok := rt.accept(w, r)
	if !ok {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	subscriberID := nextSessionID()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	rt.tracker.register(subscriberID, func(reason string) {
		cancel()
		ws.Close(websocket.StatusGoingAway, reason)
	})
	defer func() {
		rt.tracker.unregister(subscriberID)
		rt.monitorCore.UnsubscribeAll(subscriberID)
	}()

	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}
	safeWrite := func(e Envelope) {
		<-writeMu
		defer func() { writeMu <- struct{}{} }()
		if err := writeEnvelope(context.Background(), ws, e); err != nil && !isCloseErr(err) {
			slog.Debug("monitor websocket write failed", "subscriber_id", subscriberID, "error", err)
		}
	}

	safeWrite(encodeData("session_created", map[string]string{"sessionId": subscriberID, "connectionType": "frontend"}))

	send := func(p monitor.Push) {
		if p.Status != nil {
			safeWrite(encodeData("monitoring_status", map[string]any{
				"hostId": p.HostID, "status": string(*p.Status), "timestamp": time.Now().Unix(),
			}))
		}
		if p.Frame != nil {
			raw, _ := json.Marshal(p.Frame)
			safeWrite(Envelope{Type: "system_stats", Payload: raw})
		}
	}

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if !isCloseErr(err) {
				slog.Debug("monitor websocket read error", "subscriber_id", subscriberID, "error", err)
			}
			return
		}
		rt.tracker.touch(subscriberID)

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}

		switch env.Type {
		case "subscribe_server":
			var p subscribePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			rt.monitorCore.Subscribe(subscriberID, p.ServerID, send, time.Now())
			safeWrite(encodeData("subscribe_ack", map[string]any{"serverId": p.ServerID, "sessionId": subscriberID, "timestamp": time.Now().Unix()}))
		case "unsubscribe_server":
			var p subscribePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			rt.monitorCore.Unsubscribe(subscriberID, p.ServerID)
			safeWrite(encodeData("unsubscribe_ack", map[string]any{"serverId": p.ServerID, "sessionId": subscriberID, "timestamp": time.Now().Unix()}))
		case "request_system_stats":
			rt.monitorCore.RequestStats(subscriberID, env.HostID, send, time.Now())
		case "abort":
			var p abortPayload
			_ = json.Unmarshal(env.Payload, &p)
			safeWrite(encodeData("abort_ack", map[string]any{"serverId": p.ServerID, "count": 0}))
		case "ping":
			safeWrite(encode("pong", nil))
		default:
			safeWrite(encodeData("error", map[string]string{"code": "unknown_type", "message": "unrecognized envelope type: " + env.Type}))
		}
	}
}

// --- /monitor-client ---

// ServeMonitorClient accepts inbound-only telemetry from external agents.
func (rt *Router) ServeMonitorClient(w http.ResponseWriter, r *http.Request) {
	ws, ok := rt.accept(w, r)
	if !ok {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	connID := nextSessionID()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	rt.tracker.register(connID, func(reason string) {
		cancel()
		ws.Close(websocket.StatusGoingAway, reason)
	})
	defer rt.tracker.unregister(connID)

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			return
		}
		rt.tracker.touch(connID)

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type != "system_stats" {
			continue
		}
		var p systemStatsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			continue
		}

		raw := monitor.RawSample{
			HostID:       p.HostID,
			UniqueHostID: p.UniqueHostID,
			Hostname:     p.Hostname,
			IP:           p.IP,
			CPU:          monitor.CPUStats{Usage: p.CPU.Usage, Cores: p.CPU.Cores, Model: p.CPU.Model},
			Memory:       monitor.MemoryStats{Total: p.Memory.Total, Used: p.Memory.Used, Free: p.Memory.Free},
			Swap:         monitor.MemoryStats{Total: p.Swap.Total, Used: p.Swap.Used, Free: p.Swap.Free},
			Disk:         monitor.DiskStats{Total: p.Disk.Total, Used: p.Disk.Used, Free: p.Disk.Free},
			Network:      monitor.NetworkStats{TotalRxSpeed: p.Network.TotalRxSpeed, TotalTxSpeed: p.Network.TotalTxSpeed},
			Source:       "external-agent",
		}
		if p.Timestamp > 0 {
			raw.Timestamp = time.Unix(p.Timestamp, 0)
		}
		rt.monitorCore.Ingest(raw, time.Now())
	}
}

// --- /ai ---

// ServeAI handles the AI Request Pipeline's chat path.
func (rt *Router) ServeAI(w http.ResponseWriter, r *http.Request) {
	ws, ok := rt.accept(w, r)
	if !ok {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	userID := identity.UserIDFromContext(r.Context())
	connID := nextSessionID()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	rt.tracker.register(connID, func(reason string) {
		cancel()
		ws.Close(websocket.StatusGoingAway, reason)
	})
	defer rt.tracker.unregister(connID)

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			return
		}
		rt.tracker.touch(connID)

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type != "chat" {
			continue
		}
		var p chatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			continue
		}

		messages := make([]aipipeline.ChatMessage, 0, len(p.Messages))
		var terminalOutput, currentInput string
		for _, m := range p.Messages {
			messages = append(messages, aipipeline.ChatMessage{Role: m.Role, Content: m.Content})
			if m.Role == "user" {
				currentInput = m.Content
			}
			if strings.Contains(strings.ToLower(m.Role), "terminal") {
				terminalOutput = m.Content
			}
		}

		chatReq := aipipeline.ChatRequest{
			UserID:         userID,
			TerminalOutput: terminalOutput,
			CurrentInput:   currentInput,
			Messages:       messages,
			Stream:         p.Stream,
		}

		var outcome aipipeline.ChatOutcome
		var err error
		if p.Stream {
			outcome, err = rt.pipeline.ChatStream(ctx, chatReq, func(content string) {
				_ = writeEnvelope(ctx, ws, encodeData("delta", map[string]string{"content": content}))
			})
		} else {
			outcome, err = rt.pipeline.Chat(ctx, chatReq)
		}
		if err != nil {
			_ = writeEnvelope(ctx, ws, encodeData("error", map[string]string{"code": "ai_pipeline_error", "message": err.Error()}))
			continue
		}

		if !p.Stream {
			_ = writeEnvelope(ctx, ws, encodeData("delta", map[string]string{"content": outcome.Content}))
		}
		_ = writeEnvelope(ctx, ws, encodeData("done", map[string]any{
			"usage": map[string]int64{
				"inputTokens":  outcome.Usage.InputTokens,
				"outputTokens": outcome.Usage.OutputTokens,
			},
			"securityWarning": outcome.SecurityWarning,
		}))
	}
}
