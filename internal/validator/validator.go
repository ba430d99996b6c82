// Package validator implements the Static Validator Pipeline (spec §4.G):
// an ordered sequence of pure-static checks run against generated source
// before it's ever executed, each able to auto-fix the issue it finds.
package validator

import "context"

// Severity classifies how serious an Issue is.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding from a single Validator.
type Issue struct {
	Validator string
	Severity  Severity
	Message   string
	Line      int
}

// Validator is one pure-static check. It never executes the source it
// validates; Validate may return a fixedSource with fixed=true when the
// issue was mechanically correctable.
type Validator interface {
	Name() string
	Validate(ctx context.Context, source string) (issues []Issue, fixedSource string, fixed bool, err error)
}

// Mode selects how the Pipeline re-runs validators.
type Mode string

const (
	// ModeFull runs every validator in order from a clean slate.
	ModeFull Mode = "full"
	// ModeRetryFailed re-runs only the validators that failed on a prior
	// Result, skipping ones that already passed (spec §4.G: avoids
	// re-paying a syntax check after only the import-path fixer changed
	// anything).
	ModeRetryFailed Mode = "retry-failed"
)

// Result aggregates one Pipeline.Run call's outcome across all validators.
type Result struct {
	Source    string
	Issues    []Issue
	Passed    bool
	FixedBy   []string // validator names that applied an auto-fix
	PerStatus map[string]bool
}

// Pipeline runs an ordered sequence of Validators.
type Pipeline struct {
	validators []Validator
}

// New constructs a Pipeline running validators in the given order.
func New(validators ...Validator) *Pipeline {
	return &Pipeline{validators: validators}
}

// Default constructs a Pipeline with the standard 5 validators in spec
// order: syntax, unused-import (undefined names are not checked), import
// ordering, project-local import paths, output contract.
func Default(moduleImportPrefix string) *Pipeline {
	return New(
		NewSyntaxValidator(),
		NewUnusedImportValidator(),
		NewImportOrderValidator(),
		NewProjectImportPathValidator(moduleImportPrefix),
		NewOutputContractValidator(),
	)
}

// Run executes the pipeline against source. In ModeFull every validator
// runs regardless of prior results; in ModeRetryFailed, prior is consulted
// and validators that previously passed are skipped (their issues, if any,
// are carried forward unchanged).
func (p *Pipeline) Run(ctx context.Context, source string, mode Mode, prior *Result) (Result, error) {
	result := Result{Source: source, PerStatus: map[string]bool{}}

	for _, v := range p.validators {
		if mode == ModeRetryFailed && prior != nil {
			if passed, ok := prior.PerStatus[v.Name()]; ok && passed {
				result.PerStatus[v.Name()] = true
				for _, issue := range prior.Issues {
					if issue.Validator == v.Name() {
						result.Issues = append(result.Issues, issue)
					}
				}
				continue
			}
		}

		issues, fixedSource, fixed, err := v.Validate(ctx, result.Source)
		if err != nil {
			return result, err
		}
		if fixed {
			result.Source = fixedSource
			result.FixedBy = append(result.FixedBy, v.Name())
			// Re-validate after a fix so a later validator sees corrected
			// source, but don't double-count the fixer's own issues.
			issues, _, _, err = v.Validate(ctx, result.Source)
			if err != nil {
				return result, err
			}
		}

		ok := len(filterErrors(issues)) == 0
		result.PerStatus[v.Name()] = ok
		result.Issues = append(result.Issues, issues...)
	}

	result.Passed = len(filterErrors(result.Issues)) == 0
	return result, nil
}

func filterErrors(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}
