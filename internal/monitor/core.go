package monitor

import (
	"strings"
	"sync"
	"time"
)

// Status is the installed/not_installed hysteresis value sent to
// subscribers. Two consecutive server-emitted monitoring_status frames for
// the same subscriber x HostId must differ in Status.
type Status string

const (
	StatusInstalled    Status = "installed"
	StatusNotInstalled Status = "not_installed"
)

const defaultFreshnessWindow = 60 * time.Second

// Config holds the Monitoring Core's cache tunable, threaded in from
// internal/config.MonitorConfig.
type Config struct {
	CacheFreshness time.Duration // default 60s
}

// Push is the callback fan-out invokes per subscriber. The Monitoring Core
// is transport-agnostic; the WebSocket router supplies this to translate
// pushes into wire frames.
type Push struct {
	Status        *Status // nil when no status frame is due
	Frame         *TelemetryFrame
	Cached        bool
	HostID        string
}

// Sender delivers a Push to one subscriber's socket. Implementations must
// be non-blocking (queue-and-drop) per the backpressure rule for
// monitoring fan-out.
type Sender func(Push)

// Core owns the frame cache, IpToHostId index, subscription index, and
// per-subscriber StatusHint map. All mutable shared state is guarded by a
// single RWMutex; fan-out readers never block a writer longer than one
// frame, matching the teacher's terminal.SessionManager locking idiom.
type Core struct {
	mu sync.RWMutex

	frames      map[string]TelemetryFrame // HostId -> latest frame
	ipToHost    map[string]string         // ip -> HostId, and HostId -> ip (bidirectional)
	subscribers map[string]map[string]Sender // descriptor -> subscriberId -> Sender
	statusHint  map[string]map[string]Status // subscriberId -> HostId -> last status sent

	freshness time.Duration
}

// New creates an empty Core configured per cfg; a zero-value Config
// applies the spec's stated defaults.
func New(cfg Config) *Core {
	freshness := cfg.CacheFreshness
	if freshness <= 0 {
		freshness = defaultFreshnessWindow
	}
	return &Core{
		frames:      make(map[string]TelemetryFrame),
		ipToHost:    make(map[string]string),
		subscribers: make(map[string]map[string]Sender),
		statusHint:  make(map[string]map[string]Status),
		freshness:   freshness,
	}
}

// descriptorsFor computes hostname, ip, and hostname@ip for a HostId,
// consulting the IpToHostId index for the piece not present in hostID
// itself.
func (c *Core) descriptorsFor(hostID string) []string {
	descriptors := []string{hostID}

	hostname, ip, combined := hostID, "", false
	if idx := strings.Index(hostID, "@"); idx != -1 {
		hostname = hostID[:idx]
		ip = hostID[idx+1:]
		combined = true
	}

	if combined {
		descriptors = append(descriptors, hostname, ip)
	} else if mapped, ok := c.ipToHost[hostID]; ok {
		descriptors = append(descriptors, mapped)
	}
	return descriptors
}

// Ingest normalizes a raw sample, replaces the HostId's cache entry, and
// fans out to every subscriber listening under any of the HostId's
// descriptors. Returns the list of subscriberIds that received a push,
// for test observability.
func (c *Core) Ingest(raw RawSample, now time.Time) []string {
	frame := Normalize(raw, now)
	hostID := HostID(raw)

	c.mu.Lock()
	c.frames[hostID] = frame
	if idx := strings.Index(hostID, "@"); idx != -1 {
		hostname, ip := hostID[:idx], hostID[idx+1:]
		c.ipToHost[ip] = hostID
		c.ipToHost[hostname] = hostID
	}
	descriptors := c.descriptorsFor(hostID)

	type target struct {
		id     string
		sender Sender
	}
	delivered := make(map[string]target)
	for _, d := range descriptors {
		for subID, sender := range c.subscribers[d] {
			delivered[subID] = target{id: subID, sender: sender}
		}
	}

	var pushed []string
	for subID, t := range delivered {
		hint := c.statusHint[subID]
		if hint == nil {
			hint = make(map[string]Status)
			c.statusHint[subID] = hint
		}
		var statusToSend *Status
		if hint[hostID] != StatusInstalled {
			installed := StatusInstalled
			statusToSend = &installed
			hint[hostID] = StatusInstalled
		}
		f := frame
		t.sender(Push{Status: statusToSend, Frame: &f, HostID: hostID})
		pushed = append(pushed, subID)
	}
	c.mu.Unlock()

	return pushed
}

// Subscribe adds serverID (any descriptor) to subscriberID's set. If a
// fresh cached frame exists for it, emits one status + one data frame
// immediately and records installed in StatusHint.
func (c *Core) Subscribe(subscriberID, serverID string, send Sender, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.subscribers[serverID]
	if !ok {
		bucket = make(map[string]Sender)
		c.subscribers[serverID] = bucket
	}
	bucket[subscriberID] = send

	hostID, frame, fresh := c.lookupFreshLocked(serverID, now)
	if !fresh {
		return
	}
	hint := c.statusHint[subscriberID]
	if hint == nil {
		hint = make(map[string]Status)
		c.statusHint[subscriberID] = hint
	}
	var statusToSend *Status
	if hint[hostID] != StatusInstalled {
		installed := StatusInstalled
		statusToSend = &installed
		hint[hostID] = StatusInstalled
	}
	f := frame
	send(Push{Status: statusToSend, Frame: &f, HostID: hostID})
}

// Unsubscribe removes serverID from subscriberID's set; when the
// subscriber set for serverID empties, the index entry is removed. The
// collector bound to the underlying SSH session is never stopped here.
func (c *Core) Unsubscribe(subscriberID, serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.subscribers[serverID]
	if !ok {
		return
	}
	delete(bucket, subscriberID)
	if len(bucket) == 0 {
		delete(c.subscribers, serverID)
	}
}

// UnsubscribeAll removes subscriberID from every descriptor bucket and its
// StatusHint map, for socket teardown.
func (c *Core) UnsubscribeAll(subscriberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for serverID, bucket := range c.subscribers {
		delete(bucket, subscriberID)
		if len(bucket) == 0 {
			delete(c.subscribers, serverID)
		}
	}
	delete(c.statusHint, subscriberID)
}

// RequestStats answers request_system_stats{hostId}. With a cached frame,
// behaves as subscribe-with-cache-hit (status + one frame, cached=true).
// Without one, sends not_installed only when the hint was not already
// that value (hysteresis). Returns whether anything was sent.
func (c *Core) RequestStats(subscriberID, hostID string, send Sender, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	hint := c.statusHint[subscriberID]
	if hint == nil {
		hint = make(map[string]Status)
		c.statusHint[subscriberID] = hint
	}

	resolved, frame, fresh := c.lookupFreshLocked(hostID, now)
	if fresh {
		var statusToSend *Status
		if hint[resolved] != StatusInstalled {
			installed := StatusInstalled
			statusToSend = &installed
			hint[resolved] = StatusInstalled
		}
		f := frame
		send(Push{Status: statusToSend, Frame: &f, Cached: true, HostID: resolved})
		return true
	}

	if hint[hostID] == StatusNotInstalled {
		return false
	}
	notInstalled := StatusNotInstalled
	hint[hostID] = StatusNotInstalled
	send(Push{Status: &notInstalled, HostID: hostID})
	return true
}

// lookupFreshLocked resolves descriptor to a HostId (directly, or via
// IpToHostId) and returns its frame if lastUpdated is within the
// freshness window. Caller must hold c.mu.
func (c *Core) lookupFreshLocked(descriptor string, now time.Time) (hostID string, frame TelemetryFrame, fresh bool) {
	if f, ok := c.frames[descriptor]; ok && now.Sub(f.LastUpdated) <= c.freshness {
		return descriptor, f, true
	}
	if mapped, ok := c.ipToHost[descriptor]; ok {
		if f, ok := c.frames[mapped]; ok && now.Sub(f.LastUpdated) <= c.freshness {
			return mapped, f, true
		}
	}
	return descriptor, TelemetryFrame{}, false
}

// Frame returns the cached frame for a HostId, if any, without touching
// subscriptions or hints. Used by request handlers and tests.
func (c *Core) Frame(hostID string) (TelemetryFrame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.frames[hostID]
	return f, ok
}
