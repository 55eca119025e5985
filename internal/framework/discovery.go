package framework

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var skippedDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"coverage":     true,
	"testdata":     true,
}

// Discover returns the test files of f under root. root may be a single file,
// a directory, or a Go-style "dir/..." pattern. Paths are relative to baseDir
// unless root is absolute. The result is sorted.
func Discover(baseDir, root string, f Framework) ([]string, error) {
	if root == "" {
		root = "."
	}
	root = strings.TrimSuffix(strings.TrimSuffix(root, "..."), "/")
	if root == "" {
		root = "."
	}

	abs := root
	if !filepath.IsAbs(root) && baseDir != "" {
		abs = filepath.Join(baseDir, root)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if f.IsTestFile(abs) {
			return []string{root}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != abs && (skippedDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !f.IsTestFile(path) {
			return nil
		}
		if filepath.IsAbs(root) {
			files = append(files, path)
			return nil
		}
		rel, err := filepath.Rel(baseDirOrDot(baseDir), path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// Units returns the execution units for files: package directories for
// frameworks implementing UnitGrouper, the files themselves otherwise.
func Units(f Framework, files []string) []string {
	if g, ok := f.(UnitGrouper); ok {
		return g.GroupUnits(files)
	}
	return files
}

func baseDirOrDot(d string) string {
	if d == "" {
		return "."
	}
	return d
}
