// Package config loads trigger rules from a YAML file. The file is an
// alternative to configuring rules from the analysis script; both feed the
// same rule sets before instrumentation begins.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/zboralski/tarsier/internal/trigger"
	"gopkg.in/yaml.v3"
)

// HexUint accepts YAML scalars in decimal or 0x-prefixed hex.
type HexUint uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *HexUint) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseUint(node.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", node.Value, err)
	}
	*h = HexUint(v)
	return nil
}

// RuleSection is one side (start or stop) of the trigger configuration.
type RuleSection struct {
	Symbol    string    `yaml:"symbol,omitempty"`
	Addresses []HexUint `yaml:"addresses,omitempty"`
	Offsets   []HexUint `yaml:"offsets,omitempty"`
}

// File is the on-disk rules document.
type File struct {
	Start RuleSection `yaml:"start"`
	Stop  RuleSection `yaml:"stop"`
}

// Load reads and parses a rules file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return &f, nil
}

// Apply merges the file into a rule set. Script-configured rules already
// present are kept; the file's start symbol only applies when the script
// did not set one.
func (f *File) Apply(r *trigger.Rules) {
	if r.StartSymbol == "" {
		r.StartSymbol = f.Start.Symbol
	}
	for _, a := range f.Start.Addresses {
		r.StartAddrs[uint64(a)] = struct{}{}
	}
	for _, o := range f.Start.Offsets {
		r.StartOffsets[uint64(o)] = struct{}{}
	}
	for _, a := range f.Stop.Addresses {
		r.StopAddrs[uint64(a)] = struct{}{}
	}
	for _, o := range f.Stop.Offsets {
		r.StopOffsets[uint64(o)] = struct{}{}
	}
}
