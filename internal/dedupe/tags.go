package dedupe

import "strings"

// tagRule maps a cheap textual signal to the tag it contributes, grounded
// on the federation filter's glob-matching style in
// runtime/registry/manager.go (matchGlob): a small ordered table of
// patterns checked against free text, generalized here from include/exclude
// glob matching to keyword/substring tag-hint extraction.
type tagRule struct {
	tag      string
	keywords []string
}

// enrichmentRules is deliberately small and declarative: languages, API/
// service names, verb classes, and data formats a request's free text most
// often names directly (spec §4.I "tag enrichment").
var enrichmentRules = []tagRule{
	{tag: "lang:go", keywords: []string{"golang", " go "}},
	{tag: "lang:python", keywords: []string{"python", "pandas", "numpy"}},
	{tag: "lang:javascript", keywords: []string{"javascript", "node.js", "typescript"}},

	{tag: "api:http", keywords: []string{"http", "rest api", "endpoint", "webhook"}},
	{tag: "api:grpc", keywords: []string{"grpc", "protobuf"}},
	{tag: "api:sql", keywords: []string{"sql", "postgres", "mysql", "sqlite"}},

	{tag: "verb:parse", keywords: []string{"parse", "decode", "unmarshal"}},
	{tag: "verb:generate", keywords: []string{"generate", "create", "build"}},
	{tag: "verb:transform", keywords: []string{"convert", "transform", "translate"}},
	{tag: "verb:validate", keywords: []string{"validate", "check", "verify"}},

	{tag: "format:json", keywords: []string{"json"}},
	{tag: "format:csv", keywords: []string{"csv"}},
	{tag: "format:yaml", keywords: []string{"yaml", "yml"}},
	{tag: "format:xml", keywords: []string{"xml"}},
}

// EnrichTags scans text for the keyword signals enrichmentRules declares,
// returning the matched tags in rule order (stable, not alphabetized, so
// the most broadly useful tags — language, then API surface — sort first).
func EnrichTags(text string) []string {
	lower := strings.ToLower(text)
	var tags []string
	for _, rule := range enrichmentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				tags = append(tags, rule.tag)
				break
			}
		}
	}
	return tags
}
