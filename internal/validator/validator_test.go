package validator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kortexai/kortex/internal/validator"
)

const validSource = `package sample

import "fmt"

func Greet(name string) string {
	return fmt.Sprintf("hello, %s", name)
}
`

const syntaxBrokenSource = `package sample

func Greet(name string) string {
	return "hello
}
`

const unusedImportSource = `package sample

import (
	"fmt"
	"strings"
)

func Greet(name string) string {
	return fmt.Sprintf("hello, %s", name)
}
`

const misorderedImportSource = `package sample

import (
	"github.com/acme/widgets"
	"fmt"
)

func Greet(name string) string {
	return fmt.Sprintf("%s %s", widgets.Name, name)
}
`

const projectRelativeImportSource = `package sample

import (
	"fmt"
	"internal/util"
)

func Greet(name string) string {
	return fmt.Sprintf("%s %s", util.Prefix, name)
}
`

const badContractSource = "package sample\n\n// output-contract:\nvar example = `{not valid json}`\n"

func TestSyntaxValidatorCatchesBrokenSource(t *testing.T) {
	v := validator.NewSyntaxValidator()
	issues, _, fixed, err := v.Validate(context.Background(), syntaxBrokenSource)
	require.NoError(t, err)
	require.False(t, fixed)
	require.NotEmpty(t, issues)
}

func TestSyntaxValidatorPassesValidSource(t *testing.T) {
	v := validator.NewSyntaxValidator()
	issues, _, _, err := v.Validate(context.Background(), validSource)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestUnusedImportValidatorDetectsUnused(t *testing.T) {
	v := validator.NewUnusedImportValidator()
	issues, _, _, err := v.Validate(context.Background(), unusedImportSource)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Contains(t, issues[0].Message, "strings")
}

func TestImportOrderValidatorFixesOrder(t *testing.T) {
	v := validator.NewImportOrderValidator()
	issues, fixed, didFix, err := v.Validate(context.Background(), misorderedImportSource)
	require.NoError(t, err)
	require.Empty(t, issues)
	require.True(t, didFix)
	require.Contains(t, fixed, `"fmt"`)
}

func TestProjectImportPathValidatorRewritesRelativePaths(t *testing.T) {
	v := validator.NewProjectImportPathValidator("github.com/acme/widgets")
	issues, fixed, didFix, err := v.Validate(context.Background(), projectRelativeImportSource)
	require.NoError(t, err)
	require.Empty(t, issues)
	require.True(t, didFix)
	require.Contains(t, fixed, `"github.com/acme/widgets/internal/util"`)
}

func TestOutputContractValidatorCatchesInvalidJSON(t *testing.T) {
	v := validator.NewOutputContractValidator()
	issues, _, _, err := v.Validate(context.Background(), badContractSource)
	require.NoError(t, err)
	require.Len(t, issues, 1)
}

func TestPipelineRunFull(t *testing.T) {
	p := validator.Default("github.com/acme/widgets")
	result, err := p.Run(context.Background(), validSource, validator.ModeFull, nil)
	require.NoError(t, err)
	require.True(t, result.Passed)
}

func TestPipelineRunReportsUnusedImport(t *testing.T) {
	p := validator.Default("github.com/acme/widgets")
	result, err := p.Run(context.Background(), unusedImportSource, validator.ModeFull, nil)
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.NotEmpty(t, result.Issues)
}

func TestPipelineRetryFailedSkipsPassedValidators(t *testing.T) {
	p := validator.Default("github.com/acme/widgets")
	first, err := p.Run(context.Background(), unusedImportSource, validator.ModeFull, nil)
	require.NoError(t, err)
	require.True(t, first.PerStatus["syntax"])

	second, err := p.Run(context.Background(), unusedImportSource, validator.ModeRetryFailed, &first)
	require.NoError(t, err)
	require.False(t, second.Passed)
}
