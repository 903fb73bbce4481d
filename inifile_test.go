package usb

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeTempIni(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ini")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp ini: %s", err)
	}
	return path
}

func TestIniFileNextParsesSectionsAndKeyVals(t *testing.T) {
	path := writeTempIni(t, `
; a comment
[photon]
max-active = 2
# another comment
log-level = debug

[*]
poll-const-ms = 100
`)

	ini, err := OpenIniFileWithRecType(path)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	defer ini.Close()

	var got []IniRecord
	for {
		rec, err := ini.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %s", err)
		}
		got = append(got, *rec)
	}

	if len(got) != 5 {
		t.Fatalf("expected 5 records, got %d: %+v", len(got), got)
	}
	if got[0].Type != IniRecordSection || got[0].Section != "photon" {
		t.Fatalf("record 0: %+v", got[0])
	}
	if got[1].Type != IniRecordKeyVal || got[1].Key != "max-active" || got[1].Value != "2" {
		t.Fatalf("record 1: %+v", got[1])
	}
	if got[2].Key != "log-level" || got[2].Value != "debug" {
		t.Fatalf("record 2: %+v", got[2])
	}
	if got[3].Type != IniRecordSection || got[3].Section != "*" {
		t.Fatalf("record 3: %+v", got[3])
	}
	if got[4].Key != "poll-const-ms" || got[4].Value != "100" {
		t.Fatalf("record 4: %+v", got[4])
	}
}

func TestIniFileLineContinuationJoinsValue(t *testing.T) {
	path := writeTempIni(t, "poll-table-ms = 50,50,\\\n100,100\n")

	ini, err := OpenIniFileWithRecType(path)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	defer ini.Close()

	rec, err := ini.Next()
	if err != nil {
		t.Fatalf("Next: %s", err)
	}
	if rec.Key != "poll-table-ms" || rec.Value != "50,50,100,100" {
		t.Fatalf("expected a continued value, got %+v", rec)
	}
}

func TestIniFileMissingEqualsIsAnError(t *testing.T) {
	path := writeTempIni(t, "not-a-key-value-line\n")

	ini, err := OpenIniFileWithRecType(path)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	defer ini.Close()

	if _, err := ini.Next(); err == nil {
		t.Fatal("expected a syntax error")
	}
}

func TestLoadUint(t *testing.T) {
	var v uint
	rec := &IniRecord{Key: "k", Value: "42"}
	if err := rec.LoadUint(&v); err != nil || v != 42 {
		t.Fatalf("LoadUint: v=%d err=%v", v, err)
	}

	rec.Value = "not-a-number"
	if err := rec.LoadUint(&v); err == nil {
		t.Fatal("expected an error for a non-numeric value")
	}
}

func TestLoadLogLevel(t *testing.T) {
	cases := []struct {
		value string
		want  LogLevel
	}{
		{"error", LogError},
		{"info", LogInfo | LogError},
		{"debug", LogDebug | LogInfo | LogError},
		{"trace-usb", LogTraceUsb | LogDebug | LogInfo | LogError},
		{"trace-dfu", LogTraceDfu | LogDebug | LogInfo | LogError},
		{"all", LogAll},
		{"trace-usb, trace-dfu", LogTraceUsb | LogTraceDfu | LogDebug | LogInfo | LogError},
	}

	for _, c := range cases {
		var lvl LogLevel
		rec := &IniRecord{Key: "log-level", Value: c.value}
		if err := rec.LoadLogLevel(&lvl); err != nil {
			t.Fatalf("LoadLogLevel(%q): %s", c.value, err)
		}
		if lvl != c.want {
			t.Fatalf("LoadLogLevel(%q): got %v, want %v", c.value, lvl, c.want)
		}
	}

	var lvl LogLevel
	rec := &IniRecord{Key: "log-level", Value: "bogus"}
	if err := rec.LoadLogLevel(&lvl); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}
