package validator

import (
	"context"
	"go/parser"
	"go/scanner"
	"go/token"
)

// syntaxValidator parses the source as a Go file and reports any syntax
// errors. It is always the first validator in the pipeline: nothing
// downstream can meaningfully inspect source that doesn't parse.
type syntaxValidator struct{}

// NewSyntaxValidator constructs the syntax validator.
func NewSyntaxValidator() Validator { return syntaxValidator{} }

func (syntaxValidator) Name() string { return "syntax" }

func (syntaxValidator) Validate(ctx context.Context, source string) ([]Issue, string, bool, error) {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, "generated.go", source, parser.AllErrors)
	if err == nil {
		return nil, source, false, nil
	}

	var issues []Issue
	if errList, ok := err.(scanner.ErrorList); ok {
		for _, e := range errList {
			issues = append(issues, Issue{
				Validator: "syntax",
				Severity:  SeverityError,
				Message:   e.Msg,
				Line:      e.Pos.Line,
			})
		}
	} else {
		issues = append(issues, Issue{Validator: "syntax", Severity: SeverityError, Message: err.Error()})
	}
	return issues, source, false, nil
}
