// Package eval runs YAML-defined evaluation cases against workflows and
// recorded session logs. A case names a workflow to execute (or a recording
// to inspect) and an ordered list of expected signals; the runner asserts
// that the expectations appear as a subsequence of the observed signal log.
package eval

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Duration is a yaml-decodable wrapper over time.Duration accepting
	// strings like "30s" or "2m".
	Duration time.Duration

	// Expectation is one expected signal: a name plus an optional payload
	// subset that must be present in the observed payload.
	Expectation struct {
		Signal  string         `yaml:"signal"`
		Payload map[string]any `yaml:"payload"`
	}

	// Case is one evaluation case.
	Case struct {
		// Name labels the case in reports.
		Name string `yaml:"name"`
		// Workflow names a registered workflow to execute.
		Workflow string `yaml:"workflow"`
		// Input is handed to the workflow body.
		Input map[string]any `yaml:"input"`
		// Recording names a stored recording to assert against instead of
		// executing a workflow.
		Recording string `yaml:"recording"`
		// Timeout bounds the case. Defaults to 60s.
		Timeout Duration `yaml:"timeout"`
		// Expect is the ordered subsequence of expected signals.
		Expect []Expectation `yaml:"expect"`
	}

	casesFile struct {
		Cases []Case `yaml:"cases"`
	}
)

// DefaultTimeout bounds cases that specify none.
const DefaultTimeout = 60 * time.Second

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse timeout %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// timeout returns the effective case timeout.
func (c Case) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.Timeout)
}

// LoadCases reads evaluation cases from a YAML file or from every .yaml/.yml
// file in a directory, in lexical order. Files may hold a `cases:` list or a
// single top-level case.
func LoadCases(path string) ([]Case, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat cases path: %w", err)
	}
	if !info.IsDir() {
		return loadCaseFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read cases dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)

	var cases []Case
	for _, f := range files {
		loaded, err := loadCaseFile(f)
		if err != nil {
			return nil, err
		}
		cases = append(cases, loaded...)
	}
	return cases, nil
}

func loadCaseFile(path string) ([]Case, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- caller-provided cases path
	if err != nil {
		return nil, fmt.Errorf("read cases file: %w", err)
	}
	var f casesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cases file %s: %w", path, err)
	}
	if len(f.Cases) > 0 {
		return f.Cases, nil
	}
	var single Case
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse case file %s: %w", path, err)
	}
	if single.Name == "" && single.Workflow == "" && single.Recording == "" {
		return nil, nil
	}
	return []Case{single}, nil
}
