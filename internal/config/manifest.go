package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// NameSeparator joins a worker name and a raw tool name into a qualified tool
// name. It is reserved: neither side may contain it.
const NameSeparator = "::"

// WorkerSpec describes one worker process to launch. Immutable once loaded.
type WorkerSpec struct {
	Name        string            `json:"-"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Description string            `json:"description,omitempty"`
	// Env sets additional environment variables for the worker process.
	// Values can reference parent env vars with ${VAR} syntax.
	Env map[string]string `json:"env,omitempty"`
}

// CommandLine returns the full launch command for display.
func (w WorkerSpec) CommandLine() []string {
	return append([]string{w.Command}, w.Args...)
}

// LoadManifest reads the worker manifest at path. The manifest is a JSON
// object mapping worker name to launch spec. A missing file is not an error:
// the orchestrator starts with zero workers. Specs are returned sorted by
// name so startup order is deterministic.
func LoadManifest(path string) ([]WorkerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	specs, err := parseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return specs, nil
}

// parseManifest decodes the manifest object token by token so duplicate
// worker names are rejected instead of silently collapsed by the JSON decoder.
func parseManifest(data []byte) ([]WorkerSpec, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("parse: top-level value must be an object")
	}

	seen := make(map[string]struct{})
	var specs []WorkerSpec
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		name, _ := keyTok.(string)
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate worker name %q", name)
		}
		seen[name] = struct{}{}

		var spec WorkerSpec
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("worker %q: %w", name, err)
		}
		spec.Name = name
		if err := validateSpec(spec); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

func validateSpec(spec WorkerSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("worker name must not be empty")
	}
	if strings.Contains(spec.Name, NameSeparator) {
		return fmt.Errorf("worker %q: name must not contain the reserved separator %q", spec.Name, NameSeparator)
	}
	if spec.Command == "" {
		return fmt.Errorf("worker %q: command must not be empty", spec.Name)
	}
	return nil
}
