package monitor

import (
	"testing"
	"time"
)

func TestNormalizeClampsAndComputesPercentage(t *testing.T) {
	raw := RawSample{
		Memory: MemoryStats{Total: 1000, Used: 500},
		CPU:    CPUStats{Usage: 150}, // out of range, must clamp
	}
	frame := Normalize(raw, time.Unix(100, 0))

	if frame.Memory.UsedPercentage != 50 {
		t.Errorf("UsedPercentage = %v, want 50", frame.Memory.UsedPercentage)
	}
	if frame.CPU.Usage != 100 {
		t.Errorf("CPU.Usage = %v, want clamped to 100", frame.CPU.Usage)
	}
	if frame.Timestamp.IsZero() {
		t.Error("Timestamp not filled")
	}
}

func TestNormalizeZeroTotalGivesZeroPercentage(t *testing.T) {
	frame := Normalize(RawSample{Memory: MemoryStats{Total: 0, Used: 10}}, time.Now())
	if frame.Memory.UsedPercentage != 0 {
		t.Errorf("UsedPercentage = %v, want 0 when total=0", frame.Memory.UsedPercentage)
	}
}

func TestSubscribeWithEmptyCacheOnlyAcks(t *testing.T) {
	core := New(Config{})
	var pushes []Push
	core.Subscribe("sub1", "1.2.3.4", func(p Push) { pushes = append(pushes, p) }, time.Now())
	if len(pushes) != 0 {
		t.Fatalf("Subscribe with empty cache pushed %d frames, want 0", len(pushes))
	}
}

func TestIngestThenSubscribedPushesStatusThenFrame(t *testing.T) {
	core := New(Config{})
	now := time.Now()
	var pushes []Push
	core.Subscribe("sub1", "1.2.3.4", func(p Push) { pushes = append(pushes, p) }, now)

	core.Ingest(RawSample{UniqueHostID: "prod-1@1.2.3.4", Hostname: "prod-1", IP: "1.2.3.4"}, now)

	if len(pushes) != 1 {
		t.Fatalf("got %d pushes, want 1", len(pushes))
	}
	if pushes[0].Status == nil || *pushes[0].Status != StatusInstalled {
		t.Errorf("first push status = %v, want installed", pushes[0].Status)
	}
	if pushes[0].Frame == nil {
		t.Error("first push missing frame")
	}

	core.Ingest(RawSample{UniqueHostID: "prod-1@1.2.3.4", Hostname: "prod-1", IP: "1.2.3.4"}, now.Add(time.Second))
	if len(pushes) != 2 {
		t.Fatalf("got %d pushes after 2nd ingest, want 2", len(pushes))
	}
	if pushes[1].Status != nil {
		t.Error("second push should not repeat status (hysteresis)")
	}
}

func TestRequestStatsNoCacheHysteresisSuppressesRepeat(t *testing.T) {
	core := New(Config{})
	now := time.Now()
	var pushes []Push
	send := func(p Push) { pushes = append(pushes, p) }

	sent1 := core.RequestStats("sub1", "prod-1", send, now)
	if !sent1 || len(pushes) != 1 {
		t.Fatalf("first request: sent=%v pushes=%d, want sent=true pushes=1", sent1, len(pushes))
	}
	if *pushes[0].Status != StatusNotInstalled {
		t.Errorf("status = %v, want not_installed", *pushes[0].Status)
	}

	sent2 := core.RequestStats("sub1", "prod-1", send, now.Add(time.Second))
	if sent2 || len(pushes) != 1 {
		t.Errorf("second request: sent=%v pushes=%d, want sent=false pushes=1 (suppressed)", sent2, len(pushes))
	}
}

func TestUnsubscribeRemovesFromIndex(t *testing.T) {
	core := New(Config{})
	core.Subscribe("sub1", "host-a", func(Push) {}, time.Now())
	core.Unsubscribe("sub1", "host-a")

	var pushed bool
	core.Ingest(RawSample{UniqueHostID: "host-a"}, time.Now())
	_ = pushed
	if _, ok := core.subscribers["host-a"]; ok {
		t.Error("expected empty subscriber bucket to be removed")
	}
}

func TestAdaptIntervalScalesUnderHighCPU(t *testing.T) {
	base := time.Second
	if got := adaptInterval(base, 0, maxIntervalMultiplier); got != base {
		t.Errorf("adaptInterval(0 runs) = %v, want unchanged", got)
	}
	if got := adaptInterval(base, 1, maxIntervalMultiplier); got <= base {
		t.Errorf("adaptInterval(1 run) = %v, want scaled up", got)
	}
	if got, max := adaptInterval(base, 100, maxIntervalMultiplier), time.Duration(float64(base)*maxIntervalMultiplier); got != max {
		t.Errorf("adaptInterval(100 runs) = %v, want capped at %v", got, max)
	}
}

func TestAdaptIntervalHonorsCustomCeiling(t *testing.T) {
	base := time.Second
	if got, want := adaptInterval(base, 100, 3.0), 3*time.Second; got != want {
		t.Errorf("adaptInterval(100 runs, ceiling=3) = %v, want %v", got, want)
	}
}
