// Package sshsession implements the SSH Session Core: the stateful proxy
// that owns one outbound SSH channel per connected tab, multiplexes PTY
// I/O, keepalives, resizes, and authentication. Grounded on the teacher's
// terminal.WebSocketHandler task-pair-per-connection shape (input/output
// loops, sync.WaitGroup, a single cancellation scope) generalized from a
// Docker exec stream to a real golang.org/x/crypto/ssh channel.
package sshsession

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ashureev/shsh-labs/internal/apierr"
	"github.com/ashureev/shsh-labs/internal/registry"
)

// State is the SSH Session Core's state machine, per spec §4.2:
// dialing -> authenticating -> open -> closing -> closed (linear); any
// pre-open state fails straight to closed; from open, remote EOF or
// local disconnect moves to closing.
type State string

const (
	StateDialing        State = "dialing"
	StateAuthenticating State = "authenticating"
	StateOpen           State = "open"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

var hostPattern = regexp.MustCompile(`^(localhost|(\d{1,3}\.){3}\d{1,3}|[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*)$`)

// Config holds the SSH Session Core's operator-configured defaults,
// threaded in from internal/config.SSHConfig. A zero-value Config
// applies the spec's stated defaults.
type Config struct {
	DialTimeout         time.Duration // default 10s
	KeepAliveInterval   time.Duration // default 30s, used when a connect frame omits keepAlive
	MaxFailedKeepAlives int           // default 3
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.MaxFailedKeepAlives <= 0 {
		c.MaxFailedKeepAlives = 3
	}
	return c
}

// ConnectParams is the validated payload of a connect frame.
type ConnectParams struct {
	Host        string
	Port        int
	Username    string
	Credentials Credentials
	Cols        int
	Rows        int
	KeepAlive   time.Duration
}

// Validate checks host/port per spec §4.2, returning an apierr.Error of
// kind InvalidRequest on failure.
func (p ConnectParams) Validate() error {
	if !hostPattern.MatchString(p.Host) {
		return apierr.New(apierr.KindInvalidRequest, "invalid_host", "host must be a valid FQDN, IP, or localhost")
	}
	if p.Port < 1 || p.Port > 65535 {
		return apierr.New(apierr.KindInvalidRequest, "invalid_port", "port must be between 1 and 65535")
	}
	return nil
}

// Events is the set of callbacks a Session emits; the caller (WebSocket
// Router) supplies these to translate session activity into wire frames.
// Every callback must be non-blocking or return quickly — they run
// inline on the session's I/O pump goroutines.
type Events struct {
	Connected    func(sessionID string)
	Data         func(payload []byte)
	Latency      func(ms, avgMs int64)
	ConnectError func(code, message string)
	Disconnected func()

	// MonitorBind is invoked exactly once, right after the session reaches
	// StateOpen, with a context scoped to the same cancellation as the
	// session's I/O pumps and the live SSH client. A caller wanting
	// Monitoring Core telemetry bound to this session's lifetime (spec
	// §2, §4.4) spawns its collector here; ctx is cancelled on Disconnect.
	MonitorBind func(ctx context.Context, client *ssh.Client, hostID string)
}

// Session is one tab's SSH connection: PTY I/O, keepalive, and state.
type Session struct {
	ConnectionID string
	UserID       string

	mu          sync.Mutex
	state       State
	client      *ssh.Client
	sshSession  *ssh.Session
	stdin       io.WriteCloser
	cols, rows  int
	lastActivity time.Time
	descriptors  []string

	cancel context.CancelFunc

	events Events
	reg    *registry.Registry
	cfg    Config

	keepAliveInterval time.Duration
	failedKeepAlives  int
	latency           latencyRing

	disconnectedOnce sync.Once
}

// New creates a Session in the dialing state. reg may be nil if the
// caller does not want registry tracking (e.g. in tests). A zero-value
// cfg applies the spec's stated SSH timing defaults.
func New(connectionID, userID string, events Events, reg *registry.Registry, cfg Config) *Session {
	return &Session{
		ConnectionID: connectionID,
		UserID:       userID,
		state:        StateDialing,
		events:       events,
		reg:          reg,
		cfg:          cfg.withDefaults(),
		lastActivity: time.Now(),
	}
}

// State returns the current state under lock.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	s.syncRegistry(next)
}

func (s *Session) syncRegistry(state State) {
	if s.reg == nil {
		return
	}
	switch state {
	case StateAuthenticating, StateOpen, StateClosing:
		s.reg.Upsert(registry.Entry{
			ConnectionID: s.ConnectionID,
			UserID:       s.UserID,
			Descriptors:  s.descriptors,
			State:        registry.State(state),
			LastActivity: s.touchedAt(),
		})
	case StateClosed:
		s.reg.Remove(s.ConnectionID)
	}
}

func (s *Session) touchedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Connect dials the remote host, authenticates, allocates a PTY, and
// starts the keepalive loop. On success it transitions to open and
// invokes events.Connected; on failure it transitions straight to closed
// and invokes events.ConnectError exactly once. Credentials are zeroed
// before Connect returns, regardless of outcome.
func (s *Session) Connect(ctx context.Context, params ConnectParams, hostIP string) error {
	defer params.Credentials.Zero()

	if err := params.Validate(); err != nil {
		s.failConnect(err)
		return err
	}

	s.mu.Lock()
	s.cols, s.rows = params.Cols, params.Rows
	s.descriptors = registry.Descriptors(params.Host, params.Port, params.Username, hostIP)
	s.mu.Unlock()

	s.setState(StateDialing)

	authMethod, err := buildAuthMethod(params.Credentials)
	if err != nil {
		wrapped := apierr.Wrap(apierr.KindAuthFailure, "bad_credentials", "invalid authentication material", err)
		s.failConnect(wrapped)
		return wrapped
	}

	dialTimeout := s.cfg.DialTimeout
	clientConfig := &ssh.ClientConfig{
		User:            params.Username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	s.setState(StateAuthenticating)

	addr := net.JoinHostPort(params.Host, strconv.Itoa(params.Port))
	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	defer cancelDial()

	client, err := dialSSHContext(dialCtx, addr, clientConfig)
	if err != nil {
		wrapped := apierr.Wrap(apierr.KindUpstreamUnreachable, "dial_failed", "failed to reach remote host", err)
		s.failConnect(wrapped)
		return wrapped
	}

	sshSession, stdin, err := openShell(client, params.Cols, params.Rows)
	if err != nil {
		client.Close()
		wrapped := apierr.Wrap(apierr.KindUpstreamUnreachable, "shell_failed", "failed to allocate remote shell", err)
		s.failConnect(wrapped)
		return wrapped
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.client = client
	s.sshSession = sshSession
	s.stdin = stdin
	s.cancel = cancel
	s.keepAliveInterval = params.KeepAlive
	if s.keepAliveInterval <= 0 {
		s.keepAliveInterval = s.cfg.KeepAliveInterval
	}
	s.mu.Unlock()

	s.setState(StateOpen)
	if s.events.Connected != nil {
		s.events.Connected(s.ConnectionID)
	}

	if s.events.MonitorBind != nil {
		s.events.MonitorBind(sessCtx, client, monitorHostID(params.Host, hostIP))
	}

	stdout, err := sshSession.StdoutPipe()
	if err == nil {
		go s.outputPump(sessCtx, stdout)
	}
	go s.keepAliveLoop(sessCtx)

	return nil
}

// monitorHostID combines the connect target into the Monitoring Core's
// hostname@ip descriptor form (registry.Descriptors' combined shape) when
// the caller resolved an IP; otherwise it falls back to the bare host.
func monitorHostID(host, ip string) string {
	if ip != "" && ip != host {
		return host + "@" + ip
	}
	return host
}

func (s *Session) failConnect(err error) {
	s.setState(StateClosed)
	if s.events.ConnectError != nil {
		if ae, ok := apierr.As(err); ok {
			s.events.ConnectError(ae.Code, ae.Message)
		} else {
			s.events.ConnectError("internal", err.Error())
		}
	}
}

// Data forwards opaque client-to-PTY bytes unmodified.
func (s *Session) Data(p []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	state := s.state
	s.mu.Unlock()

	if state != StateOpen || stdin == nil {
		return nil
	}
	s.touch()
	_, err := stdin.Write(p)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstreamClosed, "write_failed", "failed to write to remote shell", err)
	}
	return nil
}

// Resize changes the PTY window; silently ignored once closed.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	sshSession := s.sshSession
	state := s.state
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	if state == StateClosed || sshSession == nil {
		return nil
	}
	return sshSession.WindowChange(rows, cols)
}

// Disconnect transitions closing -> closed, cancelling pumps and closing
// the remote channel. Emits exactly one Disconnected event.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	cancel := s.cancel
	sshSession := s.sshSession
	client := s.client
	s.mu.Unlock()

	s.syncRegistry(StateClosing)

	if cancel != nil {
		cancel()
	}
	if sshSession != nil {
		sshSession.Close()
	}
	if client != nil {
		client.Close()
	}

	s.setState(StateClosed)
	s.emitDisconnectedOnce()
}

func (s *Session) emitDisconnectedOnce() {
	s.disconnectedOnce.Do(func() {
		if s.events.Disconnected != nil {
			s.events.Disconnected()
		}
	})
}

func (s *Session) outputPump(ctx context.Context, r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			s.touch()
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if s.events.Data != nil {
				s.events.Data(payload)
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("ssh session output pump ended with error", "connection_id", s.ConnectionID, "error", err)
			}
			s.Disconnect()
			return
		}
	}
}

// keepAliveLoop sends an SSH keepalive request every interval, recording
// latency. Three consecutive failures trigger connectError(keepaliveLost)
// and close the session.
func (s *Session) keepAliveLoop(ctx context.Context) {
	s.mu.Lock()
	interval := s.keepAliveInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			client := s.client
			s.mu.Unlock()
			if client == nil {
				return
			}

			start := time.Now()
			_, _, err := client.SendRequest("keepalive@easyssh", true, nil)
			if err != nil {
				s.mu.Lock()
				s.failedKeepAlives++
				failures := s.failedKeepAlives
				s.mu.Unlock()

				if failures >= s.cfg.MaxFailedKeepAlives {
					if s.events.ConnectError != nil {
						s.events.ConnectError("keepaliveLost", "keepalive failed three times in a row")
					}
					s.Disconnect()
					return
				}
				continue
			}

			s.mu.Lock()
			s.failedKeepAlives = 0
			s.mu.Unlock()

			ms := time.Since(start).Milliseconds()
			s.latency.push(ms)
			if s.events.Latency != nil {
				s.events.Latency(ms, s.latency.average())
			}
		}
	}
}

func buildAuthMethod(creds Credentials) (ssh.AuthMethod, error) {
	switch creds.Type {
	case AuthPassword:
		if len(creds.Password) == 0 {
			return nil, fmt.Errorf("password auth requires a password")
		}
		return ssh.Password(string(creds.Password)), nil
	case AuthKey:
		if len(creds.PrivateKey) == 0 {
			return nil, fmt.Errorf("key auth requires a private key")
		}
		var signer ssh.Signer
		var err error
		if len(creds.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(creds.PrivateKey, creds.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(creds.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", creds.Type)
	}
}

func dialSSHContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func openShell(client *ssh.Client, cols, rows int) (*ssh.Session, io.WriteCloser, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, nil, err
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, err
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, nil, err
	}
	return session, stdin, nil
}
