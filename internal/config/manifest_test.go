package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadManifestMissingFile(t *testing.T) {
	specs, err := LoadManifest(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(specs) != 0 {
		t.Errorf("expected zero workers for a missing manifest, got %d", len(specs))
	}
}

func TestLoadManifestParsesAndSorts(t *testing.T) {
	data := `{
		"random_server": {
			"command": "demo-worker",
			"description": "random numbers",
			"env": {"SEED": "42"}
		},
		"adder_server": {
			"command": "demo-worker",
			"args": ["--mode", "add"]
		}
	}`
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	specs, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0].Name != "adder_server" || specs[1].Name != "random_server" {
		t.Errorf("specs not sorted by name: %q, %q", specs[0].Name, specs[1].Name)
	}
	if got := specs[0].CommandLine(); len(got) != 3 || got[0] != "demo-worker" || got[2] != "add" {
		t.Errorf("CommandLine = %v", got)
	}
	if specs[1].Env["SEED"] != "42" {
		t.Errorf("Env[SEED] = %q, want 42", specs[1].Env["SEED"])
	}
}

func TestParseManifestRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "duplicate worker name",
			data:    `{"w": {"command": "a"}, "w": {"command": "b"}}`,
			wantErr: "duplicate worker name",
		},
		{
			name:    "separator in worker name",
			data:    `{"a::b": {"command": "x"}}`,
			wantErr: "reserved separator",
		},
		{
			name:    "empty command",
			data:    `{"w": {"command": ""}}`,
			wantErr: "command must not be empty",
		},
		{
			name:    "empty worker name",
			data:    `{"": {"command": "x"}}`,
			wantErr: "name must not be empty",
		},
		{
			name:    "top-level array",
			data:    `[{"command": "x"}]`,
			wantErr: "must be an object",
		},
		{
			name:    "unknown spec field",
			data:    `{"w": {"command": "x", "cwd": "/tmp"}}`,
			wantErr: "w",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseManifest([]byte(tt.data))
			if err == nil {
				t.Fatalf("parseManifest accepted %s", tt.data)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
