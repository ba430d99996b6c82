package validator

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
)

// unusedImportValidator reports imports whose local name is never used as a
// selector qualifier (a stale import left after the generator trimmed a
// code path). Identifiers that are referenced but never declared or
// imported are not reported.
type unusedImportValidator struct{}

// NewUnusedImportValidator constructs the validator.
func NewUnusedImportValidator() Validator { return unusedImportValidator{} }

func (unusedImportValidator) Name() string { return "unused_import" }

func (unusedImportValidator) Validate(ctx context.Context, source string) ([]Issue, string, bool, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "generated.go", source, parser.AllErrors)
	if err != nil {
		// Syntax errors are the syntax validator's concern; this validator
		// only runs meaningfully on parseable source.
		return nil, source, false, nil
	}

	used := map[string]bool{}
	ast.Inspect(file, func(n ast.Node) bool {
		if sel, ok := n.(*ast.SelectorExpr); ok {
			if ident, ok := sel.X.(*ast.Ident); ok {
				used[ident.Name] = true
			}
		}
		return true
	})

	var issues []Issue
	for _, imp := range file.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		name := importLocalName(imp, path)
		if name == "_" || name == "." {
			continue
		}
		if !used[name] {
			issues = append(issues, Issue{
				Validator: "unused_import",
				Severity:  SeverityError,
				Message:   "imported and not used: " + strconv.Quote(path),
				Line:      fset.Position(imp.Pos()).Line,
			})
		}
	}
	return issues, source, false, nil
}

func importLocalName(imp *ast.ImportSpec, path string) string {
	if imp.Name != nil {
		return imp.Name.Name
	}
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}
