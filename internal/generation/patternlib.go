package generation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/kortexai/kortex/internal/artifact"
	"github.com/kortexai/kortex/internal/validator"
)

// fixPattern is the payload stored in a KindPattern artifact's Content: spec
// §4.H's {error_signature → fix_pattern} auto-fix library entry. find/
// replace is the minimal changed text span a prior successful repair
// applied for this signature.
type fixPattern struct {
	ErrorSignature string `json:"error_signature"`
	Find           string `json:"find"`
	Replace        string `json:"replace"`
}

// errorSignature canonicalizes a static-validation result's issues into a
// stable key (validator name + message, sorted and hashed) so semantically
// identical failures hit the same pattern regardless of line numbers or
// surrounding source.
func errorSignature(issues []validator.Issue) string {
	parts := make([]string, 0, len(issues))
	for _, i := range issues {
		parts = append(parts, i.Validator+":"+i.Message)
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

func signatureTag(sig string) string { return "pattern:sig:" + sig }

// lookupPattern consults the auto-fix library for a confident match on sig,
// so the controller can apply it deterministically with no language-model
// call (spec §4.H). Tag-based lookup is exact, not similarity-based: a
// pattern only ever matches the identical signature it was recorded for.
func lookupPattern(ctx context.Context, store *artifact.Store, sig string) (fixPattern, bool) {
	for _, a := range store.FindByTags(ctx, signatureTag(sig)) {
		if a.Kind != artifact.KindPattern {
			continue
		}
		var fp fixPattern
		if err := json.Unmarshal([]byte(a.Content), &fp); err == nil && fp.ErrorSignature == sig {
			return fp, true
		}
	}
	return fixPattern{}, false
}

// applyPattern deterministically rewrites source using fp, reporting
// whether the find text was present and a change was made.
func applyPattern(source string, fp fixPattern) (string, bool) {
	if fp.Find == "" || !strings.Contains(source, fp.Find) {
		return source, false
	}
	return strings.ReplaceAll(source, fp.Find, fp.Replace), true
}

// recordPattern persists a new auto-fix pattern after a repair succeeds
// with verified claims, so future repairs against the same error signature
// skip the language-model call entirely.
func recordPattern(ctx context.Context, store *artifact.Store, sig, find, replace string) {
	if find == "" || find == replace {
		return
	}
	fp := fixPattern{ErrorSignature: sig, Find: find, Replace: replace}
	content, err := json.Marshal(fp)
	if err != nil {
		return
	}
	_, _ = store.Put(ctx, &artifact.Artifact{
		Kind:    artifact.KindPattern,
		Name:    "auto-fix pattern " + sig,
		Content: string(content),
		Tags:    []string{signatureTag(sig), "generation"},
	})
}

// diffFindReplace derives a minimal {find, replace} pair between oldSrc and
// newSrc by trimming the common leading and trailing lines, so the pattern
// captures just the changed region rather than the whole file. This is a
// plain text diff rather than an AST-aware one: the auto-fix library only
// ever replays it against source carrying the identical error signature, so
// an exact textual match is the correct (and sufficient) precondition.
func diffFindReplace(oldSrc, newSrc string) (find, replace string) {
	oldLines := strings.Split(oldSrc, "\n")
	newLines := strings.Split(newSrc, "\n")

	start := 0
	for start < len(oldLines) && start < len(newLines) && oldLines[start] == newLines[start] {
		start++
	}
	oldEnd := len(oldLines)
	newEnd := len(newLines)
	for oldEnd > start && newEnd > start && oldLines[oldEnd-1] == newLines[newEnd-1] {
		oldEnd--
		newEnd--
	}
	find = strings.Join(oldLines[start:oldEnd], "\n")
	replace = strings.Join(newLines[start:newEnd], "\n")
	return find, replace
}
