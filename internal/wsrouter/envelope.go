// Package wsrouter accepts the four WebSocket upgrades EasySSH exposes
// and dispatches decoded envelopes to the SSH Session Core, Monitoring
// Core, and AI Pipeline. Grounded on the teacher's
// terminal.WebSocketHandler (origin check, Accept options, input/output
// loop pair per connection) generalized from a single Docker exec path
// to four typed dispatch tables.
package wsrouter

import "encoding/json"

// Envelope is the outer shape every inbound and outbound frame shares:
// a discriminator "type" plus a loosely-typed payload.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	HostID    string          `json:"hostId,omitempty"`
	TerminalID string         `json:"terminalId,omitempty"`
}

func encode(typ string, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{Type: typ, Payload: raw}
}

func encodeData(typ string, data any) Envelope {
	raw, _ := json.Marshal(data)
	return Envelope{Type: typ, Data: raw}
}

// --- /ssh payloads ---

type connectPayload struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	AuthType   string `json:"authType"`
	Password   string `json:"password"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
	KeepAlive  int    `json:"keepAlive"`
}

type resizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// --- /monitor payloads ---

type subscribePayload struct {
	ServerID string `json:"serverId"`
}

type abortPayload struct {
	ServerID string `json:"serverId"`
}

// --- /monitor-client payload ---

type systemStatsPayload struct {
	HostID       string  `json:"hostId"`
	UniqueHostID string  `json:"uniqueHostId"`
	Hostname     string  `json:"hostname"`
	IP           string  `json:"ip"`
	CPU          cpuWire `json:"cpu"`
	Memory       memWire `json:"memory"`
	Swap         memWire `json:"swap"`
	Disk         memWire `json:"disk"`
	Network      netWire `json:"network"`
	Timestamp    int64   `json:"timestamp"`
}

type cpuWire struct {
	Usage float64 `json:"usage"`
	Cores int     `json:"cores"`
	Model string  `json:"model"`
}

type memWire struct {
	Total float64 `json:"total"`
	Used  float64 `json:"used"`
	Free  float64 `json:"free"`
}

type netWire struct {
	TotalRxSpeed float64 `json:"total_rx_speed"`
	TotalTxSpeed float64 `json:"total_tx_speed"`
}

// --- /ai payload ---

type chatPayload struct {
	Messages []chatMessageWire `json:"messages"`
	Stream   bool              `json:"stream"`
}

type chatMessageWire struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
