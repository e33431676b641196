package domaincheck

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/mtibben/confusables"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Verdict reasons.
const (
	ReasonURLParse     = "URL_PARSE_ERROR"
	ReasonHTTP         = "HTTP"
	ReasonETLDInvalid  = "ETLD_INVALID"
	ReasonETLDMismatch = "ETLD_MISMATCH"
	ReasonHostMismatch = "HOST_MISMATCH"
	ReasonPunycode     = "PUNYCODE"
	ReasonMixedScript  = "MIXED_SCRIPT"
	ReasonConfusable   = "CONFUSABLE"
)

// Verdict is the outcome of a phishing check.
type Verdict struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons"`
	ETLD1   string   `json:"etld1,omitempty"`
}

// CheckURL inspects a page URL against the domain a credential was saved for.
//
// Args:
//
//	rawURL: full URL of the page requesting autofill.
//	savedDomain: domain stored on the credential; its eTLD+1 is the reference.
//	exactHost: stored host value when exact match enforcement is wanted, or "".
//
// Returns:
//
//	Verdict: OK is true only when no reasons were recorded.
//
// Behavior:
//  1. Parses the URL, capturing eTLD+1 via IDNA and publicsuffix helpers.
//  2. Records reasons for failure (HTTP, eTLD mismatch, host mismatch, punycode, mixed scripts, confusables).
//  3. Returns the verdict together with the resolved eTLD+1.
func CheckURL(rawURL, savedDomain, exactHost string) Verdict {
	var reasons []string

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Hostname() == "" {
		return Verdict{OK: false, Reasons: []string{ReasonURLParse}}
	}

	if !strings.EqualFold(parsed.Scheme, "https") {
		reasons = append(reasons, ReasonHTTP)
	}

	hostLower := strings.ToLower(parsed.Hostname())

	asciiHost := hostLower
	if converted, err := idna.Lookup.ToASCII(hostLower); err == nil && converted != "" {
		asciiHost = converted
	}
	unicodeHost := hostLower
	if converted, err := idna.Lookup.ToUnicode(hostLower); err == nil && converted != "" {
		unicodeHost = converted
	}

	etld1 := registrable(asciiHost)
	if etld1 == "" {
		etld1 = registrable(unicodeHost)
	}
	if etld1 == "" {
		reasons = append(reasons, ReasonETLDInvalid)
	}

	saved := registrable(NormalizeDomain(savedDomain))
	if saved != "" && etld1 != "" && !strings.EqualFold(saved, etld1) {
		reasons = append(reasons, ReasonETLDMismatch)
	}

	if exactHost = strings.TrimSpace(exactHost); exactHost != "" && !strings.EqualFold(sanitizeHost(exactHost), hostLower) {
		reasons = append(reasons, ReasonHostMismatch)
	}

	if strings.Contains(asciiHost, "xn--") {
		reasons = append(reasons, ReasonPunycode)
	}

	if hasMixedScript(unicodeHost) {
		reasons = append(reasons, ReasonMixedScript)
	}

	if saved != "" && etld1 != "" && looksConfusable(saved, unicodeRegistrable(etld1)) {
		reasons = append(reasons, ReasonConfusable)
	}

	return Verdict{OK: len(reasons) == 0, Reasons: reasons, ETLD1: etld1}
}

func registrable(host string) string {
	if host == "" {
		return ""
	}
	value, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return strings.ToLower(value)
}

func unicodeRegistrable(etld1 string) string {
	if converted, err := idna.Lookup.ToUnicode(etld1); err == nil && converted != "" {
		return converted
	}
	return etld1
}

// hasMixedScript reports whether a host contains characters from multiple scripts.
func hasMixedScript(host string) bool {
	if host == "" {
		return false
	}
	scripts := make(map[string]struct{})
	for _, label := range strings.Split(host, ".") {
		for _, r := range label {
			script := detectScript(r)
			if script == "" {
				continue
			}
			scripts[script] = struct{}{}
			if len(scripts) >= 2 {
				return true
			}
		}
	}
	return false
}

func detectScript(r rune) string {
	switch {
	case unicode.In(r, unicode.Latin):
		return "latin"
	case unicode.In(r, unicode.Cyrillic):
		return "cyrillic"
	case unicode.In(r, unicode.Greek):
		return "greek"
	case unicode.In(r, unicode.Hiragana):
		return "hiragana"
	case unicode.In(r, unicode.Katakana):
		return "katakana"
	case unicode.In(r, unicode.Han):
		return "han"
	default:
		return ""
	}
}

// looksConfusable is true when two different hosts reduce to the same
// Unicode skeleton, i.e. one can pass for the other.
func looksConfusable(target, candidate string) bool {
	target = strings.ToLower(strings.TrimSpace(target))
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	if target == "" || candidate == "" || target == candidate {
		return false
	}
	return confusables.Skeleton(target) == confusables.Skeleton(candidate)
}
