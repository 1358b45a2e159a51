package loginguard

import "strings"

// Reasons reported by CheckSuspiciousPatterns.
const (
	ReasonMissingUserAgent  = "missing_user_agent"
	ReasonAutomatedClient   = "automated_client"
	ReasonIdentifierCycling = "identifier_cycling"
	ReasonUnknownDevice     = "unrecognized_device"
	ReasonRepeatedFailures  = "repeated_failures"
)

// Lower-case substrings of user agents that belong to scripts, scanners and
// headless browsers rather than people.
var badAgents = []string{
	"curl",
	"wget",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"okhttp",
	"libwww-perl",
	"httpclient",
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"hydra",
	"scrapy",
	"phantomjs",
	"headlesschrome",
	"selenium",
	"puppeteer",
	"bot",
	"crawler",
	"spider",
}

// automatedAgent reports the first bad substring found in ua.
func automatedAgent(ua string) (string, bool) {
	ua = strings.ToLower(ua)
	for _, bad := range badAgents {
		if strings.Contains(ua, bad) {
			return bad, true
		}
	}
	return "", false
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
