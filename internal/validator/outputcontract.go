package validator

import (
	"context"
	"encoding/json"
	"regexp"
)

// outputContractValidator checks that any raw string literal the generated
// source claims is a JSON example (marked by a "// output-contract:"
// comment on the line directly above it, the convention the Generation
// Controller's prompt asks models to follow) actually parses as JSON. It
// does not run the program or inspect what the entry point writes to
// stdout. This is the last validator in the pipeline since it depends on
// nothing but source text.
type outputContractValidator struct{}

// NewOutputContractValidator constructs the validator.
func NewOutputContractValidator() Validator { return outputContractValidator{} }

func (outputContractValidator) Name() string { return "output_contract" }

var outputContractPattern = regexp.MustCompile("(?s)// output-contract:\\s*\\n[^`\\n]*`([^`]*)`")

func (outputContractValidator) Validate(ctx context.Context, source string) ([]Issue, string, bool, error) {
	matches := outputContractPattern.FindAllStringSubmatchIndex(source, -1)
	var issues []Issue
	for _, m := range matches {
		literal := source[m[2]:m[3]]
		var v any
		if err := json.Unmarshal([]byte(literal), &v); err != nil {
			line := 1
			for _, c := range source[:m[0]] {
				if c == '\n' {
					line++
				}
			}
			issues = append(issues, Issue{
				Validator: "output_contract",
				Severity:  SeverityError,
				Message:   "output-contract example is not valid JSON: " + err.Error(),
				Line:      line,
			})
		}
	}
	return issues, source, false, nil
}
