package logging

import "regexp"

var (
	slackTokenPattern = regexp.MustCompile(`xox[abpr]-[A-Za-z0-9-]+`)
	signaturePattern  = regexp.MustCompile(`v0=[a-fA-F0-9]+`)
)

// Mask hides Slack tokens and request signatures in log text.
func Mask(text string) string {
	text = slackTokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		return tok[:5] + "***MASKED***"
	})
	return signaturePattern.ReplaceAllString(text, "v0=***MASKED***")
}

// SignaturePrefix keeps just enough of a signature to correlate audit
// entries without making it replayable.
func SignaturePrefix(sig string) string {
	const keep = 8
	if len(sig) <= keep {
		return "***"
	}
	return sig[:keep] + "***"
}
