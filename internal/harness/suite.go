package harness

import (
	"fmt"
	"path/filepath"
	"sort"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure is one scenario that did not load, run, or pass.
type ScenarioFailure struct {
	Scenario string `json:"scenario,omitempty"`
	Path     string `json:"path"`
	Error    string `json:"error"`
}

// RunDir loads every scenario file in dir and runs it. A scenario that
// fails to load or run counts as failed; the rest still run.
func RunDir(dir string, opts ...Option) (*SuiteResult, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, m...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", dir)
	}
	sort.Strings(paths)
	return RunFiles(paths, opts...), nil
}

// RunFiles runs the given scenario files in order.
func RunFiles(paths []string, opts ...Option) *SuiteResult {
	result := &SuiteResult{}
	for _, path := range paths {
		result.Total++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail("", path, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		runResult, err := Run(scenario, opts...)
		if err != nil {
			result.fail(scenario.Name, path, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if !runResult.Pass {
			result.fail(scenario.Name, path, fmt.Sprintf("scenario assertions failed: %v", runResult.Errors))
			continue
		}
		result.Passed++
	}
	return result
}

func (r *SuiteResult) fail(name, path, msg string) {
	r.Failed++
	r.Failures = append(r.Failures, ScenarioFailure{Scenario: name, Path: path, Error: msg})
}
