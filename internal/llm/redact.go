package llm

import "regexp"

// highConfidenceSecretPatterns matches token shapes specific enough that
// false positives are rare: provider-prefixed API keys and bearer-style
// secrets. This is not a general-purpose secret scanner — it only strips
// what the processor must not let an LLM-derived observation persist
// verbatim (§4.6 step 3a).
var highConfidenceSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9-_]{20,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{20,}`),
}

const redactedPlaceholder = "<redacted>"

// SanitizeObservationText strips high-confidence API-key-shaped substrings
// before the text can reach any persistence path (§4.6 step 3a).
func SanitizeObservationText(text string) string {
	for _, pattern := range highConfidenceSecretPatterns {
		text = pattern.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}
