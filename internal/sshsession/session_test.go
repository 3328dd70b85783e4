package sshsession

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestConnectParamsValidateRejectsBadHost(t *testing.T) {
	p := ConnectParams{Host: "not a host!!", Port: 22}
	if err := p.Validate(); err == nil {
		t.Error("expected validation error for malformed host")
	}
}

func TestConnectParamsValidateRejectsBadPort(t *testing.T) {
	p := ConnectParams{Host: "example.com", Port: 70000}
	if err := p.Validate(); err == nil {
		t.Error("expected validation error for out-of-range port")
	}
}

func TestConnectParamsValidateAcceptsLocalhost(t *testing.T) {
	p := ConnectParams{Host: "localhost", Port: 22}
	if err := p.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestCredentialsZeroClearsSecrets(t *testing.T) {
	c := Credentials{Password: []byte("hunter2")}
	c.Zero()
	for _, b := range c.Password {
		if b != 0 {
			t.Fatal("password bytes not zeroed")
		}
	}
}

// testSSHServer spins up a minimal in-process SSH server accepting any
// password, for exercising Connect's dial/auth/shell path end to end.
func testSSHServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestConn(nConn, config, done)
		}
	}()

	return listener.Addr().String(), func() {
		listener.Close()
	}
}

func handleTestConn(nConn net.Conn, config *ssh.ServerConfig, done chan struct{}) {
	_, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				switch req.Type {
				case "pty-req", "shell", "window-change", "keepalive@easyssh":
					if req.WantReply {
						req.Reply(true, nil)
					}
				default:
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}
		}()
		go func() {
			buf := make([]byte, 1024)
			for {
				n, err := channel.Read(buf)
				if n > 0 {
					channel.Write(buf[:n]) // echo
				}
				if err != nil {
					return
				}
			}
		}()
	}
}

func TestConnectAgainstLocalServerReachesOpenState(t *testing.T) {
	addr, stop := testSSHServer(t)
	defer stop()

	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	connectedCh := make(chan string, 1)
	var disconnected bool

	events := Events{
		Connected:    func(sessionID string) { connectedCh <- sessionID },
		ConnectError: func(code, msg string) { t.Errorf("unexpected connectError: %s %s", code, msg) },
		Disconnected: func() { disconnected = true },
	}

	s := New("conn1", "user1", events, nil, Config{})
	err := s.Connect(context.Background(), ConnectParams{
		Host:        host,
		Port:        port,
		Username:    "tester",
		Credentials: Credentials{Type: AuthPassword, Password: []byte("anything")},
		Cols:        80,
		Rows:        24,
		KeepAlive:   time.Hour, // avoid keepalive firing mid-test
	}, "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case <-connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connected event")
	}

	if s.State() != StateOpen {
		t.Errorf("State() = %v, want open", s.State())
	}

	s.Disconnect()
	if s.State() != StateClosed {
		t.Errorf("State() after Disconnect = %v, want closed", s.State())
	}
	if !disconnected {
		t.Error("Disconnected event not fired")
	}
}

func TestConnectBindsMonitorToSessionLifetime(t *testing.T) {
	addr, stop := testSSHServer(t)
	defer stop()

	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	var boundClient *ssh.Client
	var boundHostID string
	boundCh := make(chan struct{})
	tornDownCh := make(chan struct{})

	events := Events{
		ConnectError: func(code, msg string) { t.Errorf("unexpected connectError: %s %s", code, msg) },
		MonitorBind: func(ctx context.Context, client *ssh.Client, hostID string) {
			boundClient = client
			boundHostID = hostID
			close(boundCh)
			go func() {
				<-ctx.Done() // collector's lifetime is scoped to the session
				close(tornDownCh)
			}()
		},
	}

	s := New("conn1", "user1", events, nil, Config{})
	err := s.Connect(context.Background(), ConnectParams{
		Host:        host,
		Port:        port,
		Username:    "tester",
		Credentials: Credentials{Type: AuthPassword, Password: []byte("anything")},
		KeepAlive:   time.Hour,
	}, "10.0.0.5")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case <-boundCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for MonitorBind")
	}

	if boundClient == nil {
		t.Error("MonitorBind received a nil *ssh.Client")
	}
	wantHostID := host + "@10.0.0.5"
	if boundHostID != wantHostID {
		t.Errorf("MonitorBind hostID = %q, want %q", boundHostID, wantHostID)
	}

	s.Disconnect()

	select {
	case <-tornDownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("MonitorBind's ctx was not cancelled by Disconnect")
	}
}

func TestConnectInvalidHostFailsWithoutDialing(t *testing.T) {
	var gotCode string
	events := Events{ConnectError: func(code, msg string) { gotCode = code }}
	s := New("conn1", "user1", events, nil, Config{})

	err := s.Connect(context.Background(), ConnectParams{Host: "bad host", Port: 22}, "")
	if err == nil {
		t.Fatal("expected error for invalid host")
	}
	if gotCode != "invalid_host" {
		t.Errorf("gotCode = %q, want invalid_host", gotCode)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
}

func TestDisconnectIsIdempotentEmitsOnce(t *testing.T) {
	count := 0
	events := Events{Disconnected: func() { count++ }}
	s := New("conn1", "user1", events, nil, Config{})
	s.setState(StateOpen)

	s.Disconnect()
	s.Disconnect()

	if count != 1 {
		t.Errorf("Disconnected fired %d times, want 1", count)
	}
}
