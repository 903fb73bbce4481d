package usb

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeQuirksFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "quirks.ini")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write quirks file: %s", err)
	}
	return path
}

func TestQuirkTableLoadAndResolveOverridePrecedence(t *testing.T) {
	path := writeQuirksFile(t, `
[*]
poll-const-ms = 200

[Photon]
max-active = 2
poll-table-ms = 50,100,200
`)

	qt := NewQuirkTable()
	if err := qt.LoadQuirksFile(path); err != nil {
		t.Fatalf("LoadQuirksFile: %s", err)
	}

	dq := qt.Resolve("Photon")
	if dq.MaxActive == nil || *dq.MaxActive != 2 {
		t.Fatalf("expected max-active=2, got %v", dq.MaxActive)
	}
	if dq.PollingPolicy == nil {
		t.Fatal("expected a resolved polling policy")
	}
	if got := dq.PollingPolicy.NextDelay(0); got != 50*time.Millisecond {
		t.Fatalf("expected first poll-table-ms entry to win over the wildcard's poll-const-ms, got %v", got)
	}

	dqOther := qt.Resolve("Electron")
	if dqOther.MaxActive != nil {
		t.Fatalf("expected no max-active override for a device type with no section, got %v", dqOther.MaxActive)
	}
	if got := dqOther.PollingPolicy.NextDelay(0); got != 200*time.Millisecond {
		t.Fatalf("expected wildcard poll-const-ms to apply, got %v", got)
	}
}

func TestQuirkTableResolveOnNilReceiver(t *testing.T) {
	var qt *QuirkTable
	dq := qt.Resolve("Photon")
	if dq.MaxActive != nil || dq.PollingPolicy != nil || dq.LogLevel != nil {
		t.Fatalf("expected a zero-value DeviceQuirks from a nil table, got %+v", dq)
	}
}

func TestQuirkTablePutOverridesProgrammatically(t *testing.T) {
	qt := NewQuirkTable()
	maxActive := uint(4)
	qt.Put("Boron", QuirkNmMaxActive, maxActive)

	dq := qt.Resolve("Boron")
	if dq.MaxActive == nil || *dq.MaxActive != 4 {
		t.Fatalf("expected programmatic max-active=4, got %v", dq.MaxActive)
	}
}

func TestQuirkTableLoadRejectsUnknownQuirk(t *testing.T) {
	path := writeQuirksFile(t, "[*]\nnot-a-real-quirk = 1\n")

	qt := NewQuirkTable()
	if err := qt.LoadQuirksFile(path); err == nil {
		t.Fatal("expected an error for an unknown quirk name")
	}
}

func TestQuirkParseUintList(t *testing.T) {
	q := &Quirk{Name: QuirkNmPollTableMs, RawValue: "50, 100,200"}
	if err := q.parseUintList(); err != nil {
		t.Fatalf("parseUintList: %s", err)
	}
	vals, ok := q.Parsed.([]uint)
	if !ok || len(vals) != 3 || vals[0] != 50 || vals[1] != 100 || vals[2] != 200 {
		t.Fatalf("unexpected parsed values: %+v", q.Parsed)
	}
}

func TestQuirkParseLogLevel(t *testing.T) {
	q := &Quirk{Name: QuirkNmLogLevel, RawValue: "trace-usb"}
	if err := q.parseLogLevel(); err != nil {
		t.Fatalf("parseLogLevel: %s", err)
	}
	lvl, ok := q.Parsed.(LogLevel)
	if !ok || lvl&LogTraceUsb == 0 {
		t.Fatalf("unexpected parsed log level: %+v", q.Parsed)
	}
}

func TestQuirkTableAllIsSortedForDiagnostics(t *testing.T) {
	qt := NewQuirkTable()
	qt.Put("Photon", QuirkNmMaxActive, uint(2))
	qt.Put("*", QuirkNmPollConstMs, uint(100))

	all := qt.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 quirks, got %d", len(all))
	}
	if all[0].Match != "*" || all[1].Match != "Photon" {
		t.Fatalf("expected wildcard before device-specific, got %+v", all)
	}
}
