package generation

import "strings"

// verifyClaims checks each claimed fix against newSource using the three
// textual rules spec §4.H's fix-fraud invariant enumerates: a claim to have
// added setup or a symbol must find its characteristic statement present; a
// claim to have removed an import must find it absent. Returns the subset
// of claims that could not be verified.
func verifyClaims(claims []string, newSource string) []string {
	var failed []string
	for _, c := range claims {
		if !claimSupportedBy(c, newSource) {
			failed = append(failed, c)
		}
	}
	return failed
}

func claimSupportedBy(claim, source string) bool {
	lower := strings.ToLower(claim)
	target := extractQuoted(claim)
	if target == "" {
		// No verifiable textual statement named in the claim; give the
		// benefit of the doubt rather than rejecting a claim this checker
		// can't parse.
		return true
	}

	if strings.Contains(lower, "removed") && strings.Contains(lower, "import") {
		return !strings.Contains(source, target)
	}
	return strings.Contains(source, target)
}

// extractQuoted returns the first backtick- or double-quoted substring in
// claim — the convention a well-formed claim uses to name its
// characteristic statement explicitly.
func extractQuoted(claim string) string {
	if s := between(claim, '`', '`'); s != "" {
		return s
	}
	return between(claim, '"', '"')
}

func between(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], close)
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}
