// Package testutil provides reusable testing helpers for enforcing
// architectural boundaries across the repository.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// AssertNoDirectImports scans all non-test .go files in dir (typically "."
// from within the package) and fails if any import path satisfies the
// forbidden predicate. It does not follow build tags.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	violations, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, v := range violations {
		t.Errorf("forbidden import %s in %s: %s", v.importPath, v.file, reason)
	}
}

// InternalImportForbidden matches any import reaching into internal packages.
// The exported pkg/ tree must stand alone.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "custodycore/internal")
}

type importViolation struct {
	file       string
	importPath string
}

func directImportViolations(dir string, forbidden func(string) bool) ([]importViolation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var violations []importViolation
	fset := token.NewFileSet()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			path := strings.Trim(imp.Path.Value, `"`)
			if forbidden(path) {
				violations = append(violations, importViolation{file: name, importPath: path})
			}
		}
	}
	return violations, nil
}
