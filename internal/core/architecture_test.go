package core

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestEngineImportsNoConcreteDrivers ensures the engine depends only on the
// driver contract in pkg/domain. Concrete adapters (memory, sqlite, postgres,
// the gate) are wired by callers; tests may use them, the engine itself must
// not.
func TestEngineImportsNoConcreteDrivers(t *testing.T) {
	forbiddenPrefix := "unitwork/internal/driver"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "unitwork/internal/core")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			if importPath == forbiddenPrefix || strings.HasPrefix(importPath, forbiddenPrefix+"/") {
				violations = append(violations, pkg.PkgPath+": "+importPath)
			}
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden driver import: %s", v)
		}
		t.Fatalf("found %d forbidden driver imports", len(violations))
	}
}
