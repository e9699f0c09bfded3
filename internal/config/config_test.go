package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zboralski/tarsier/internal/trigger"
)

const sampleRules = `
start:
  symbol: main
  addresses: [0x401000, 4198404]
stop:
  addresses: ["0x4010a0"]
  offsets: [0x10a0]
`

func TestLoadAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	r := trigger.NewRules()
	f.Apply(r)

	if r.StartSymbol != "main" {
		t.Errorf("StartSymbol = %q", r.StartSymbol)
	}
	if _, ok := r.StartAddrs[0x401000]; !ok {
		t.Error("Missing hex start address")
	}
	if _, ok := r.StartAddrs[4198404]; !ok {
		t.Error("Missing decimal start address")
	}
	if _, ok := r.StopAddrs[0x4010a0]; !ok {
		t.Error("Missing quoted hex stop address")
	}
	if _, ok := r.StopOffsets[0x10a0]; !ok {
		t.Error("Missing stop offset")
	}
}

func TestScriptSymbolWins(t *testing.T) {
	f := &File{Start: RuleSection{Symbol: "other"}}
	r := trigger.NewRules()
	r.StartSymbol = "main"
	f.Apply(r)
	if r.StartSymbol != "main" {
		t.Errorf("Script-configured symbol overwritten: %q", r.StartSymbol)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/rules.yaml"); err == nil {
		t.Error("Expected error for missing rules file")
	}
}

func TestBadAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	os.WriteFile(path, []byte("start:\n  addresses: [notanaddr]\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("Expected parse error for malformed address")
	}
}
