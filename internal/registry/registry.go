// Package registry indexes live SSH sessions by connection id and by the
// set of host descriptors an operator or the Monitoring Core might use to
// refer to the same remote host. It is grounded on the teacher's
// terminal.SessionManager shape (RWMutex-guarded map, Register/Unregister)
// generalized from a per-user connection table to a descriptor index with
// fuzzy lookup.
package registry

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// State mirrors the SSH Session Core's state machine. The registry itself
// does not enforce transitions; it only tracks membership.
type State string

const (
	StateDialing        State = "dialing"
	StateAuthenticating State = "authenticating"
	StateOpen           State = "open"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// Entry is the registry's view of a live session: enough to answer
// descriptor lookups without reaching back into the SSH Session Core.
type Entry struct {
	ConnectionID string
	UserID       string
	Descriptors  []string
	State        State
	LastActivity time.Time
}

// Registry indexes live sessions by connection id and by descriptor.
// Insert on open, remove on closed — per-session descriptors are
// recomputed by the caller (connect-time host/port/username) and passed
// in whole on each mutation, never partially patched.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*Entry
	byDescriptor map[string]map[string]*Entry // descriptor -> connectionID -> entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byID:         make(map[string]*Entry),
		byDescriptor: make(map[string]map[string]*Entry),
	}
}

// Descriptors computes the descriptor set for a dialed host per spec §3:
// raw address, bare hostname, user@host, host:port, hostname@ip. host may
// already be an IP; ip may be empty if not yet resolved, in which case the
// hostname@ip form is omitted.
func Descriptors(host string, port int, username, ip string) []string {
	descriptors := []string{host}
	if bare := bareHostname(host); bare != "" && bare != host {
		descriptors = append(descriptors, bare)
	}
	if username != "" {
		descriptors = append(descriptors, username+"@"+host)
	}
	if port != 0 {
		descriptors = append(descriptors, host+":"+strconv.Itoa(port))
	}
	if ip != "" && ip != host {
		descriptors = append(descriptors, host+"@"+ip)
	}
	return dedupe(descriptors)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Upsert inserts or replaces the entry for connectionID under every
// descriptor in e.Descriptors. Callers pass the full descriptor set on
// every state transition, including into closed (see Remove for the
// terminal case, which is preferred for clarity at call sites).
func (r *Registry) Upsert(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(e.ConnectionID)

	stored := e
	r.byID[e.ConnectionID] = &stored
	for _, d := range e.Descriptors {
		bucket, ok := r.byDescriptor[d]
		if !ok {
			bucket = make(map[string]*Entry)
			r.byDescriptor[d] = bucket
		}
		bucket[e.ConnectionID] = &stored
	}
}

// Remove deletes the entry for connectionID from every index. Call this on
// the terminal transition into closed.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connectionID)
}

func (r *Registry) removeLocked(connectionID string) {
	existing, ok := r.byID[connectionID]
	if !ok {
		return
	}
	delete(r.byID, connectionID)
	for _, d := range existing.Descriptors {
		bucket, ok := r.byDescriptor[d]
		if !ok {
			continue
		}
		delete(bucket, connectionID)
		if len(bucket) == 0 {
			delete(r.byDescriptor, d)
		}
	}
}

// Get returns the entry for an exact connection id.
func (r *Registry) Get(connectionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[connectionID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Lookup performs fuzzy matching against every live descriptor: exact
// match on normalized form, bare-hostname equality, or substring
// containment of one hostname within the other. Ambiguity is permitted —
// all matches are returned, deduplicated by connection id.
func (r *Registry) Lookup(descriptor string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	norm := normalize(descriptor)
	bare := bareHostname(norm)

	seen := make(map[string]struct{})
	var matches []Entry

	for d, bucket := range r.byDescriptor {
		if !descriptorMatches(norm, bare, d) {
			continue
		}
		for id, e := range bucket {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			matches = append(matches, *e)
		}
	}
	return matches
}

func descriptorMatches(norm, bare, candidate string) bool {
	candNorm := normalize(candidate)
	if candNorm == norm {
		return true
	}
	candBare := bareHostname(candNorm)
	if candBare != "" && bare != "" && candBare == bare {
		return true
	}
	if bare != "" && candBare != "" && (strings.Contains(candBare, bare) || strings.Contains(bare, candBare)) {
		return true
	}
	return false
}

// normalize strips a protocol prefix and any embedded credentials, then
// takes the host portion before the first /, ?, or #.
func normalize(s string) string {
	if idx := strings.Index(s, "://"); idx != -1 {
		s = s[idx+3:]
	}
	if idx := strings.Index(s, "@"); idx != -1 && strings.ContainsAny(s[:idx], ":") {
		s = s[idx+1:]
	}
	for _, sep := range []string{"/", "?", "#"} {
		if idx := strings.Index(s, sep); idx != -1 {
			s = s[:idx]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// bareHostname strips a trailing :port and, for a user@host descriptor,
// the leading user@. It returns "" for values that are bare IPs with no
// further hostname to extract when the caller passed one already.
func bareHostname(s string) string {
	if idx := strings.LastIndex(s, "@"); idx != -1 {
		s = s[idx+1:]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}
