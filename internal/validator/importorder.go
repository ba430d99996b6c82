package validator

import (
	"bytes"
	"context"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"sort"
)

// importOrderValidator checks that a file's imports are ordered standard
// library first, then third-party, and sorted within each group,
// auto-fixing the order when they aren't — the generator frequently
// appends imports in discovery order rather than canonical order. Only the
// order of the import paths is compared; blank-line separation between the
// groups is not checked.
type importOrderValidator struct{}

// NewImportOrderValidator constructs the validator.
func NewImportOrderValidator() Validator { return importOrderValidator{} }

func (importOrderValidator) Name() string { return "import_order" }

func (importOrderValidator) Validate(ctx context.Context, source string) ([]Issue, string, bool, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "generated.go", source, parser.ParseComments)
	if err != nil {
		return nil, source, false, nil
	}
	if len(file.Imports) < 2 {
		return nil, source, false, nil
	}

	current := importPaths(file)
	canonical := append([]string(nil), current...)
	sort.Slice(canonical, func(i, j int) bool { return importSortKey(canonical[i]) < importSortKey(canonical[j]) })

	if equalStrings(current, canonical) {
		return nil, source, false, nil
	}

	fixed, ferr := reorderImports(fset, file)
	if ferr != nil {
		return []Issue{{
			Validator: "import_order",
			Severity:  SeverityWarning,
			Message:   "import block is not canonically ordered, and auto-fix failed: " + ferr.Error(),
		}}, source, false, nil
	}
	return nil, fixed, true, nil
}

func importPaths(file *ast.File) []string {
	out := make([]string, 0, len(file.Imports))
	for _, imp := range file.Imports {
		out = append(out, imp.Path.Value)
	}
	return out
}

// importSortKey groups standard-library imports (no dot in the first path
// segment) before third-party ones, matching gofmt/goimports convention.
func importSortKey(path string) string {
	trimmed := path[1 : len(path)-1] // strip surrounding quotes
	if isStdlibImport(trimmed) {
		return "0_" + trimmed
	}
	return "1_" + trimmed
}

func isStdlibImport(path string) bool {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return !containsDot(path[:i])
		}
	}
	return !containsDot(path)
}

func containsDot(s string) bool {
	for _, r := range s {
		if r == '.' {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// reorderImports rewrites file's single import block into two canonically
// sorted groups (stdlib, then third-party) and reformats via go/format.
func reorderImports(fset *token.FileSet, file *ast.File) (string, error) {
	var stdlib, thirdParty []*ast.ImportSpec
	for _, imp := range file.Imports {
		path := imp.Path.Value
		trimmed := path[1 : len(path)-1]
		if isStdlibImport(trimmed) {
			stdlib = append(stdlib, imp)
		} else {
			thirdParty = append(thirdParty, imp)
		}
	}
	sortSpecs(stdlib)
	sortSpecs(thirdParty)

	for _, d := range file.Decls {
		gd, ok := d.(*ast.GenDecl)
		if !ok || gd.Tok != token.IMPORT {
			continue
		}
		var specs []ast.Spec
		for _, imp := range stdlib {
			specs = append(specs, imp)
		}
		for _, imp := range thirdParty {
			specs = append(specs, imp)
		}
		gd.Specs = specs
		break
	}

	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sortSpecs(specs []*ast.ImportSpec) {
	sort.Slice(specs, func(i, j int) bool { return specs[i].Path.Value < specs[j].Path.Value })
}
