// Package monitor implements the Monitoring Fan-out Core: collector
// scheduling bound to live SSH sessions, sample normalization, a
// per-host frame cache, and subscription-based fan-out with status
// hysteresis. Grounded on the other_examples SSH collector
// (Al-trun-Monitoring's ssh_collector.go) for the collector shape and on
// the teacher's terminal.SessionManager for the shared-map locking idiom.
package monitor

import "time"

// CPUStats is the normalized CPU section of a TelemetryFrame.
type CPUStats struct {
	Usage float64 `json:"usage"`
	Cores int     `json:"cores"`
	Model string  `json:"model"`
}

// MemoryStats is the normalized memory or swap section.
type MemoryStats struct {
	Total          float64 `json:"total"`
	Used           float64 `json:"used"`
	Free           float64 `json:"free"`
	UsedPercentage float64 `json:"usedPercentage"`
}

// DiskStats is the normalized disk section.
type DiskStats struct {
	Total          float64 `json:"total"`
	Used           float64 `json:"used"`
	Free           float64 `json:"free"`
	UsedPercentage float64 `json:"usedPercentage"`
}

// NetworkStats is the normalized network section.
type NetworkStats struct {
	TotalRxSpeed float64 `json:"total_rx_speed"`
	TotalTxSpeed float64 `json:"total_tx_speed"`
}

// OSInfo carries the remote host's reported hostname.
type OSInfo struct {
	Hostname string `json:"hostname"`
}

// TelemetryFrame is the canonical per-host sample, per spec §3. Every
// numeric field is clamped by the Normalizer before a frame reaches the
// cache.
type TelemetryFrame struct {
	CPU         CPUStats     `json:"cpu"`
	Memory      MemoryStats  `json:"memory"`
	Swap        MemoryStats  `json:"swap"`
	Disk        DiskStats    `json:"disk"`
	Network     NetworkStats `json:"network"`
	OS          OSInfo       `json:"os"`
	Timestamp   time.Time    `json:"timestamp"`
	Source      string       `json:"source"`
	SessionID   string       `json:"sessionId"`
	LastUpdated time.Time    `json:"lastUpdated"`
}

// RawSample is the loosely-typed payload a collector or external agent
// reports, either over /monitor-client or an inline SSH collector. Field
// names mirror the wire shapes the Monitoring Core accepts.
type RawSample struct {
	HostID       string
	UniqueHostID string
	Hostname     string
	IP           string
	CPU          CPUStats
	Memory       MemoryStats
	Swap         MemoryStats
	Disk         DiskStats
	Network      NetworkStats
	Timestamp    time.Time
	Source       string
	SessionID    string
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

const maxSafeInteger = (1 << 53) - 1

// Normalize coerces a raw collector sample into a canonical TelemetryFrame:
// percentages clamp to [0,100], byte counts clamp to [0, 2^53-1],
// usedPercentage is recomputed from total/used whenever total>0, and a
// missing timestamp is filled with now.
func Normalize(raw RawSample, now time.Time) TelemetryFrame {
	ts := raw.Timestamp
	if ts.IsZero() {
		ts = now
	}

	frame := TelemetryFrame{
		CPU: CPUStats{
			Usage: clamp(raw.CPU.Usage, 0, 100),
			Cores: raw.CPU.Cores,
			Model: raw.CPU.Model,
		},
		Memory:      normalizeMemory(raw.Memory),
		Swap:        normalizeMemory(raw.Swap),
		Disk:        normalizeDisk(raw.Disk),
		Network: NetworkStats{
			TotalRxSpeed: clamp(raw.Network.TotalRxSpeed, 0, maxSafeInteger),
			TotalTxSpeed: clamp(raw.Network.TotalTxSpeed, 0, maxSafeInteger),
		},
		OS:          OSInfo{Hostname: raw.Hostname},
		Timestamp:   ts,
		Source:      raw.Source,
		SessionID:   raw.SessionID,
		LastUpdated: now,
	}
	return frame
}

func normalizeMemory(m MemoryStats) MemoryStats {
	total := clamp(m.Total, 0, maxSafeInteger)
	used := clamp(m.Used, 0, maxSafeInteger)
	free := clamp(m.Free, 0, maxSafeInteger)
	pct := 0.0
	if total > 0 {
		pct = clamp(100*used/total, 0, 100)
	}
	return MemoryStats{Total: total, Used: used, Free: free, UsedPercentage: pct}
}

func normalizeDisk(d DiskStats) DiskStats {
	total := clamp(d.Total, 0, maxSafeInteger)
	used := clamp(d.Used, 0, maxSafeInteger)
	free := clamp(d.Free, 0, maxSafeInteger)
	pct := 0.0
	if total > 0 {
		pct = clamp(100*used/total, 0, 100)
	}
	return DiskStats{Total: total, Used: used, Free: free, UsedPercentage: pct}
}

// HostID resolves the canonical hostname@ip identifier for a raw sample.
// Prefers an explicit combined id, then falls back to combining hostname
// and ip, then to whichever single identifier is present.
func HostID(raw RawSample) string {
	if raw.UniqueHostID != "" {
		return raw.UniqueHostID
	}
	if raw.HostID != "" {
		return raw.HostID
	}
	if raw.Hostname != "" && raw.IP != "" {
		return raw.Hostname + "@" + raw.IP
	}
	if raw.Hostname != "" {
		return raw.Hostname
	}
	return raw.IP
}
