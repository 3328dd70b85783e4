package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const combinedProbeCommand = `echo "===STAT===" && head -1 /proc/stat && echo "===MEMINFO===" && cat /proc/meminfo && echo "===DF===" && df -B1 / && echo "===NETDEV===" && cat /proc/net/dev && echo "===HOSTNAME===" && hostname && echo "===END==="`

// connectionErrorPattern matches the source's documented set of fatal
// collector errors that should stop polling rather than retry.
var connectionErrorPattern = regexp.MustCompile(`(?i)SSH连接|Not connected|Unable to exec|Connection closed|ECONNRESET|ENOTFOUND|ETIMEDOUT`)

// Collector polls one remote host's metrics over an already-established
// SSH client, scoped to that SSH session's lifetime. Grounded on
// Al-trun-Monitoring's SSHCollector, adapted to reuse a session-owned
// *ssh.Client instead of dialing its own connection and to report samples
// into a monitor.Core instead of a database.
type Collector struct {
	hostID     string
	sessionID  string
	client     *ssh.Client
	core       *Core
	cmdTimeout time.Duration
	ceiling    float64

	prevCPU     prevCPUSample
	highCPURuns int
}

type prevCPUSample struct {
	have bool
	idle uint64
	total uint64
}

// NewCollector creates a collector bound to an open SSH client. hostID
// should be the combined hostname@ip form when both are known. ceiling
// caps adaptInterval's drift from the base poll interval; <= 0 applies
// maxIntervalMultiplier.
func NewCollector(hostID, sessionID string, client *ssh.Client, core *Core, cmdTimeout time.Duration, ceiling float64) *Collector {
	if cmdTimeout <= 0 {
		cmdTimeout = 8 * time.Second
	}
	if ceiling <= 0 {
		ceiling = maxIntervalMultiplier
	}
	return &Collector{hostID: hostID, sessionID: sessionID, client: client, core: core, cmdTimeout: cmdTimeout, ceiling: ceiling}
}

// Run polls at interval (adapting upward under sustained high CPU) until
// ctx is cancelled or a connection error is detected, at which point it
// invokes onDisconnect once and returns.
func (c *Collector) Run(ctx context.Context, interval time.Duration, onDisconnect func(reason string)) {
	if interval <= 0 {
		interval = time.Second
	}
	current := interval
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, err := c.collectOnce(ctx)
			if err != nil {
				if connectionErrorPattern.MatchString(err.Error()) {
					onDisconnect(err.Error())
					return
				}
				slog.Warn("monitoring collector sample failed", "host_id", c.hostID, "error", err)
				continue
			}

			c.core.Ingest(raw, time.Now())

			if raw.CPU.Usage > 80 {
				c.highCPURuns++
			} else {
				c.highCPURuns = 0
			}

			next := adaptInterval(interval, c.highCPURuns, c.ceiling)
			if next != current {
				current = next
				ticker.Reset(current)
			}
		}
	}
}

// maxIntervalMultiplier is the default ceiling on how far the collector
// can drift from its base polling interval under sustained high CPU, so
// it never lands in a multi-minute polling gap (grounded on
// Al-trun-Monitoring's collector, which caps its own retry backoff
// similarly). internal/config.MonitorConfig.AdaptiveCeiling overrides it.
const maxIntervalMultiplier = 8.0

// adaptInterval scales the base interval 1.5x on the first sustained-high
// run, 2x from the second run on, capped at ceiling x base, per spec
// §4.4.
func adaptInterval(base time.Duration, highCPURuns int, ceiling float64) time.Duration {
	if ceiling <= 0 {
		ceiling = maxIntervalMultiplier
	}
	var multiplier float64
	switch {
	case highCPURuns <= 0:
		multiplier = 1.0
	case highCPURuns == 1:
		multiplier = 1.5
	default:
		multiplier = 2.0 * float64(highCPURuns-1)
		if multiplier > ceiling {
			multiplier = ceiling
		}
	}
	return time.Duration(float64(base) * multiplier)
}

func (c *Collector) collectOnce(ctx context.Context) (RawSample, error) {
	output, err := c.runCommand(ctx, combinedProbeCommand)
	if err != nil {
		return RawSample{}, err
	}

	sections := parseSections(output)
	cpuUsage := c.parseCPU(sections["STAT"])
	mem := parseMeminfo(sections["MEMINFO"])
	disk := parseDiskUsage(sections["DF"])
	net := parseNetDev(sections["NETDEV"])
	hostname := strings.TrimSpace(sections["HOSTNAME"])

	return RawSample{
		UniqueHostID: c.hostID,
		Hostname:     hostname,
		CPU:          CPUStats{Usage: cpuUsage},
		Memory:       mem,
		Disk:         disk,
		Network:      net,
		Timestamp:    time.Now(),
		Source:       "ssh-collector",
		SessionID:    c.sessionID,
	}, nil
}

func (c *Collector) runCommand(ctx context.Context, cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("monitoring probe session: %w", err)
	}
	defer session.Close()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out: string(out), err: err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("monitoring probe command: %w", r.err)
		}
		return r.out, nil
	case <-time.After(c.cmdTimeout):
		_ = session.Close()
		return "", fmt.Errorf("monitoring probe command timed out")
	}
}

func parseSections(output string) map[string]string {
	sections := make(map[string]string)
	var key string
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "===") && strings.HasSuffix(trimmed, "===") {
			if key != "" {
				sections[key] = strings.Join(lines, "\n")
			}
			key = strings.Trim(trimmed, "= ")
			lines = nil
			continue
		}
		if key != "" && trimmed != "" {
			lines = append(lines, line)
		}
	}
	if key != "" && key != "END" {
		sections[key] = strings.Join(lines, "\n")
	}
	return sections
}

// parseCPU computes instantaneous usage from two consecutive /proc/stat
// snapshots; the first call after (re)attaching always returns 0.
func (c *Collector) parseCPU(statLine string) float64 {
	fields := strings.Fields(statLine)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0
	}
	var total uint64
	vals := make([]uint64, 0, len(fields)-1)
	for _, f := range fields[1:] {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0
		}
		vals = append(vals, n)
		total += n
	}
	idle := vals[3]
	if len(vals) > 4 {
		idle += vals[4] // iowait folded into idle
	}

	defer func() { c.prevCPU = prevCPUSample{have: true, idle: idle, total: total} }()
	if !c.prevCPU.have {
		return 0
	}
	deltaTotal := total - c.prevCPU.total
	deltaIdle := idle - c.prevCPU.idle
	if deltaTotal == 0 {
		return 0
	}
	return clamp(100*(1-float64(deltaIdle)/float64(deltaTotal)), 0, 100)
}

func parseMeminfo(section string) MemoryStats {
	values := make(map[string]float64)
	for _, line := range strings.Split(section, "\n") {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		key := strings.TrimSuffix(parts[0], ":")
		n, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		values[key] = n * 1024 // kB -> bytes
	}
	total := values["MemTotal"]
	free := values["MemAvailable"]
	if free == 0 {
		free = values["MemFree"]
	}
	used := total - free
	if used < 0 {
		used = 0
	}
	return MemoryStats{Total: total, Used: used, Free: free}
}

func parseDiskUsage(section string) DiskStats {
	lines := strings.Split(strings.TrimSpace(section), "\n")
	if len(lines) < 2 {
		return DiskStats{}
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return DiskStats{}
	}
	total, _ := strconv.ParseFloat(fields[1], 64)
	used, _ := strconv.ParseFloat(fields[2], 64)
	free, _ := strconv.ParseFloat(fields[3], 64)
	return DiskStats{Total: total, Used: used, Free: free}
}

func parseNetDev(section string) NetworkStats {
	var rx, tx float64
	for _, line := range strings.Split(section, "\n") {
		if !strings.Contains(line, ":") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		iface := strings.TrimSpace(parts[0])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			continue
		}
		rxBytes, _ := strconv.ParseFloat(fields[0], 64)
		txBytes, _ := strconv.ParseFloat(fields[8], 64)
		rx += rxBytes
		tx += txBytes
	}
	return NetworkStats{TotalRxSpeed: rx, TotalTxSpeed: tx}
}
