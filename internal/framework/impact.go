package framework

import (
	"os"
	"path/filepath"
	"sort"
)

// ImpactAnalyzer maps changed files to the test files that should re-run.
type ImpactAnalyzer interface {
	AffectedTests(changed []string, f Framework) []string
}

// DirectoryImpact is a naive analyzer: a changed test file re-runs itself, and
// any other changed file re-runs the test files next to it and in a sibling
// __tests__ directory.
type DirectoryImpact struct{}

// AffectedTests returns the sorted, de-duplicated set of affected test files.
func (DirectoryImpact) AffectedTests(changed []string, f Framework) []string {
	set := make(map[string]bool)
	for _, c := range changed {
		if f.IsTestFile(c) {
			set[c] = true
			continue
		}
		dir := filepath.Dir(c)
		for _, d := range []string{dir, filepath.Join(dir, "__tests__")} {
			entries, err := os.ReadDir(d)
			if err != nil {
				continue
			}
			for _, e := range entries {
				p := filepath.Join(d, e.Name())
				if !e.IsDir() && f.IsTestFile(p) {
					set[p] = true
				}
			}
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
