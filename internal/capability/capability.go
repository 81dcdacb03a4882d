// Package capability discovers the set of named capabilities available to
// an agent, via a directory of manifest.yaml files on disk. It is grounded
// on the teacher's skills/loader.go manifest shape (a "skills" list of
// {name, file, priority, phases} entries parsed with gopkg.in/yaml.v3), but
// scans a runtime directory instead of compiling embedded content in,
// matching the spec's "capability discovery" being an out-of-process,
// enable/disable-at-runtime concern rather than a build-time bundle.
package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Entry describes one discoverable capability.
type Entry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	Phases      []string `yaml:"phases"`
}

// manifest is the on-disk shape of a single capability directory's
// manifest.yaml.
type manifest struct {
	Capabilities []Entry `yaml:"capabilities"`
}

// Discover scans dir for a manifest.yaml and returns its capability entries,
// sorted by descending priority then name for deterministic prompt
// injection order. An absent directory or manifest is not an error — it
// means no capabilities are configured (spec's SKILLS_ENABLED=false path
// reaches the same empty result by never calling Discover at all).
func Discover(dir string) ([]Entry, error) {
	path := filepath.Join(dir, "manifest.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("capability: read manifest %s: %w", path, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("capability: parse manifest %s: %w", path, err)
	}

	for _, e := range m.Capabilities {
		if e.Name == "" {
			return nil, fmt.Errorf("capability: manifest %s has an entry with no name", path)
		}
	}

	sort.Slice(m.Capabilities, func(i, j int) bool {
		if m.Capabilities[i].Priority != m.Capabilities[j].Priority {
			return m.Capabilities[i].Priority > m.Capabilities[j].Priority
		}
		return m.Capabilities[i].Name < m.Capabilities[j].Name
	})

	return m.Capabilities, nil
}

// Names extracts just the capability names, for prompt.Context.Capabilities.
func Names(entries []Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

// ForPhase filters entries to those whose Phases list is empty (applies to
// all phases) or explicitly contains phase.
func ForPhase(entries []Entry, phase string) []Entry {
	var out []Entry
	for _, e := range entries {
		if len(e.Phases) == 0 {
			out = append(out, e)
			continue
		}
		for _, p := range e.Phases {
			if p == phase {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
