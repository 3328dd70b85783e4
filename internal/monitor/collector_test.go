package monitor

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestParseSectionsSplitsMarkedBlocks(t *testing.T) {
	output := "===STAT===\ncpu 1 2 3 4\n===MEMINFO===\nMemTotal: 100 kB\nMemFree: 40 kB\n===END===\n"
	sections := parseSections(output)
	if sections["STAT"] != "cpu 1 2 3 4" {
		t.Errorf("STAT section = %q", sections["STAT"])
	}
	if sections["MEMINFO"] != "MemTotal: 100 kB\nMemFree: 40 kB" {
		t.Errorf("MEMINFO section = %q", sections["MEMINFO"])
	}
	if _, ok := sections["END"]; ok {
		t.Error("END marker should not itself become a section")
	}
}

func TestParseCPUFirstCallReturnsZero(t *testing.T) {
	c := &Collector{}
	if usage := c.parseCPU("cpu 100 0 100 800 0 0 0 0"); usage != 0 {
		t.Errorf("first parseCPU() = %v, want 0", usage)
	}
}

func TestParseCPUComputesDeltaUsage(t *testing.T) {
	c := &Collector{}
	c.parseCPU("cpu 0 0 0 1000 0 0 0 0") // seed prevCPU: idle=1000 total=1000
	// second sample: total advances by 200, idle advances by 100 -> 50% busy
	usage := c.parseCPU("cpu 100 0 0 1100 0 0 0 0")
	if usage != 50 {
		t.Errorf("parseCPU() = %v, want 50", usage)
	}
}

func TestParseMeminfoPrefersMemAvailable(t *testing.T) {
	section := "MemTotal: 2000 kB\nMemFree: 100 kB\nMemAvailable: 500 kB"
	mem := parseMeminfo(section)
	if mem.Total != 2000*1024 {
		t.Errorf("Total = %v, want %v", mem.Total, 2000*1024)
	}
	if mem.Free != 500*1024 {
		t.Errorf("Free = %v, want MemAvailable (%v)", mem.Free, 500*1024)
	}
	if mem.Used != mem.Total-mem.Free {
		t.Errorf("Used = %v, want Total-Free", mem.Used)
	}
}

func TestParseDiskUsageReadsLastLine(t *testing.T) {
	section := "Filesystem 1B-blocks Used Available Use% Mounted\n/dev/sda1 1000 400 600 40% /"
	disk := parseDiskUsage(section)
	if disk.Total != 1000 || disk.Used != 400 || disk.Free != 600 {
		t.Errorf("disk = %+v, want {1000 400 600}", disk)
	}
}

func TestParseNetDevSumsInterfacesExcludingLoopback(t *testing.T) {
	section := "Inter-|Receive|Transmit\n" +
		" lo: 999 0 0 0 0 0 0 0 999 0 0 0 0 0 0 0\n" +
		" eth0: 100 0 0 0 0 0 0 0 200 0 0 0 0 0 0 0\n" +
		" eth1: 50 0 0 0 0 0 0 0 75 0 0 0 0 0 0 0"
	net := parseNetDev(section)
	if net.TotalRxSpeed != 150 {
		t.Errorf("TotalRxSpeed = %v, want 150 (loopback excluded)", net.TotalRxSpeed)
	}
	if net.TotalTxSpeed != 275 {
		t.Errorf("TotalTxSpeed = %v, want 275 (loopback excluded)", net.TotalTxSpeed)
	}
}

func TestAdaptIntervalRespectsExplicitZeroFallsBackToDefault(t *testing.T) {
	c := NewCollector("host@1.2.3.4", "sess1", nil, New(Config{}), 0, 0)
	if c.cmdTimeout != 8*time.Second {
		t.Errorf("cmdTimeout = %v, want default 8s", c.cmdTimeout)
	}
	if c.ceiling != maxIntervalMultiplier {
		t.Errorf("ceiling = %v, want default %v", c.ceiling, maxIntervalMultiplier)
	}
}

// probeSSHServer spins up an in-process SSH server that answers the
// collector's combined probe command over an "exec" channel request,
// exercising Collector.Run end to end against a real *ssh.Client.
func probeSSHServer(t *testing.T, probeOutput string) (addr string, stop func()) {
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

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleProbeConn(nConn, config, probeOutput)
		}
	}()

	return listener.Addr().String(), func() { listener.Close() }
}

func handleProbeConn(nConn net.Conn, config *ssh.ServerConfig, probeOutput string) {
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
				if req.Type == "exec" {
					channel.Write([]byte(probeOutput))
					channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					if req.WantReply {
						req.Reply(true, nil)
					}
					channel.Close()
					continue
				}
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}()
	}
}

func TestCollectorRunIngestsSampleIntoCore(t *testing.T) {
	probeOutput := "===STAT===\n" +
		"cpu 100 0 0 900 0 0 0 0\n" +
		"===MEMINFO===\n" +
		"MemTotal: 2000 kB\n" +
		"MemAvailable: 500 kB\n" +
		"===DF===\n" +
		"Filesystem 1B-blocks Used Available Use% Mounted\n" +
		"/dev/sda1 1000 400 600 40% /\n" +
		"===NETDEV===\n" +
		"Inter-|Receive|Transmit\n" +
		" eth0: 10 0 0 0 0 0 0 0 20 0 0 0 0 0 0 0\n" +
		"===HOSTNAME===\n" +
		"prod-box\n" +
		"===END===\n"

	addr, stop := probeSSHServer(t, probeOutput)
	defer stop()

	clientCfg := &ssh.ClientConfig{
		User:            "tester",
		Auth:            []ssh.AuthMethod{ssh.Password("anything")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		t.Fatalf("ssh.Dial() error = %v", err)
	}
	defer client.Close()

	core := New(Config{})
	hostID := "prod-box@10.0.0.9"
	collector := NewCollector(hostID, "sess1", client, core, 2*time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		collector.Run(ctx, 20*time.Millisecond, func(string) {})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if frame, ok := core.Frame(hostID); ok {
			if frame.OS.Hostname != "prod-box" {
				t.Errorf("frame.OS.Hostname = %q, want prod-box", frame.OS.Hostname)
			}
			if frame.Disk.Total != 1000 {
				t.Errorf("frame.Disk.Total = %v, want 1000", frame.Disk.Total)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for collector to ingest a frame")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector.Run did not return after ctx cancellation")
	}
}
