package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestInitWritesJSONAndAudit(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "botd.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{mainPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{OutputPaths: []string{"stderr"}})
	})

	Named("ledger").Info("bot deployed", "bot_id", "b-1")
	Audit().Info("call applied", "entry", "fire")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	line := firstLine(t, mainPath)
	if line["msg"] != "bot deployed" || line["component"] != "ledger" || line["bot_id"] != "b-1" {
		t.Fatalf("unexpected main log line: %+v", line)
	}
	audit := firstLine(t, auditPath)
	if audit["msg"] != "call applied" || audit["entry"] != "fire" {
		t.Fatalf("unexpected audit line: %+v", audit)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
	if L() == nil || Audit() == nil {
		t.Fatalf("loggers must stay usable after a failed init")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"}
	for raw, want := range cases {
		if got := parseLevel(raw).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s want %s", raw, got, want)
		}
	}
}

func firstLine(t *testing.T, path string) map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("%s is empty", path)
	}
	var out map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return out
}
