// Package pattern holds the declarative regular-expression pattern table
// used by the detector: one entry per detectable category, each carrying a
// base confidence score and an optional post-match validator. Patterns are
// immutable once registered, mirroring the compiled-pattern table shape
// used for vulnerability scanning in the wider corpus, generalized here to
// PII, credential, and network categories.
package pattern

import "regexp"

// Category classifies the kind of sensitive data a pattern detects.
type Category string

// Supported categories.
const (
	CategoryPII     Category = "PII"
	CategorySecrets Category = "SECRETS"
	CategoryNetwork Category = "NETWORK"
)

// Type identifies an individual pattern within a category. It is also the
// token prefix (upper-cased) emitted by the tokenizer.
type Type string

// Registered pattern types.
const (
	TypeEmail      Type = "EMAIL"
	TypePhone      Type = "PHONE"
	TypeSSN        Type = "SSN"
	TypeCreditCard Type = "CREDIT_CARD"
	TypeAPIKey     Type = "API_KEY"
	TypeBearer     Type = "BEARER_TOKEN"
	TypePEMBlock   Type = "PEM_BLOCK"
	TypeIPv4       Type = "IPV4"
	TypeIPv6       Type = "IPV6"
)

// ValidatorResult is returned by a post-match validator.
type ValidatorResult struct {
	Valid      bool
	Multiplier float64
}

// Validator inspects a raw match and adjusts confidence, or rejects it.
type Validator func(match string) ValidatorResult

// Pattern pairs a compiled regular expression with its category, type, base
// confidence, and optional validator. Pattern is immutable after
// registration: nothing in this package mutates a Pattern's fields once
// Default has returned it.
type Pattern struct {
	Type       Type
	Category   Category
	BaseConf   float64
	Validator  Validator
	expr       string
	re         *regexp.Regexp
}

// Regexp returns the compiled matcher.
func (p *Pattern) Regexp() *regexp.Regexp { return p.re }

// spec is the uncompiled declaration for one registered pattern.
type spec struct {
	typ      Type
	category Category
	expr     string
	conf     float64
	validate Validator
}

// Default returns the required pattern set from §4.1, compiled and ready
// for use. Patterns that fail to compile are silently omitted (this never
// happens for the built-in set). The IPv6 pattern is compiled in
// leftmost-longest mode; all others use Go's default leftmost-first mode.
func Default() []*Pattern {
	specs := []spec{
		{TypeEmail, CategoryPII, `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, 0.95, nil},
		{TypePhone, CategoryPII, `(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}\b`, 0.85, nil},
		{TypeSSN, CategoryPII, `\b(?:(?:[0-35-8]\d{2}|4\d{2})-(?:0[1-9]|[1-9]\d)-(?:000[1-9]|00[1-9]\d|0[1-9]\d{2}|[1-9]\d{3})|(?:[0-35-8]\d{2}|4\d{2})(?:0[1-9]|[1-9]\d)(?:000[1-9]|00[1-9]\d|0[1-9]\d{2}|[1-9]\d{3}))\b`, 0.95, nil},
		{TypeCreditCard, CategorySecrets, `\b(?:\d[ -]?){13,19}\b`, 0.3, luhnValidator},
		{TypeAPIKey, CategorySecrets, `\b(?:sk-|ghp_|github_pat_|xox[baprs]-|xapp-|gsk_|AIza|pplx-|npm_)[A-Za-z0-9_\-]{16,}\b`, 0.9, nil},
		{TypeBearer, CategorySecrets, `(?i)(?:Authorization:\s*)?Bearer\s+[A-Za-z0-9\-._~+/]{10,}=*`, 0.85, nil},
		{TypePEMBlock, CategorySecrets, `-----BEGIN (?:RSA |EC )?(?:PRIVATE KEY|CERTIFICATE|PUBLIC KEY)-----[\s\S]+?-----END (?:RSA |EC )?(?:PRIVATE KEY|CERTIFICATE|PUBLIC KEY)-----`, 1.0, nil},
		{TypeIPv6, CategoryNetwork, ipv6Expr, 0.8, nil},
		{TypeIPv4, CategoryNetwork, `\b(?:25[0-5]|2[0-4]\d|1\d{2}|[1-9]?\d)(?:\.(?:25[0-5]|2[0-4]\d|1\d{2}|[1-9]?\d)){3}\b`, 0.8, nil},
	}

	out := make([]*Pattern, 0, len(specs))
	for _, s := range specs {
		re, err := regexp.Compile(s.expr)
		if err != nil {
			continue
		}
		if s.typ == TypeIPv6 {
			re.Longest()
		}
		out = append(out, &Pattern{
			Type:      s.typ,
			Category:  s.category,
			BaseConf:  s.conf,
			Validator: s.validate,
			expr:      s.expr,
			re:        re,
		})
	}
	return out
}

// ipv6Expr matches RFC 5952 compressed and uncompressed forms, including
// IPv4-mapped addresses and an optional %zone suffix. Default compiles it
// in leftmost-longest mode so a compressed address such as 2001:db8::1 is
// matched whole instead of stopping at the first alternative that fits.
const ipv6Expr = `(?:(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}` +
	`|(?:[0-9a-fA-F]{1,4}:){1,7}:` +
	`|(?:[0-9a-fA-F]{1,4}:){1,6}:[0-9a-fA-F]{1,4}` +
	`|(?:[0-9a-fA-F]{1,4}:){1,5}(?::[0-9a-fA-F]{1,4}){1,2}` +
	`|(?:[0-9a-fA-F]{1,4}:){1,4}(?::[0-9a-fA-F]{1,4}){1,3}` +
	`|(?:[0-9a-fA-F]{1,4}:){1,3}(?::[0-9a-fA-F]{1,4}){1,4}` +
	`|(?:[0-9a-fA-F]{1,4}:){1,2}(?::[0-9a-fA-F]{1,4}){1,5}` +
	`|[0-9a-fA-F]{1,4}:(?::[0-9a-fA-F]{1,4}){1,6}` +
	`|:(?::[0-9a-fA-F]{1,4}){1,7}` +
	`|::(?:ffff(?::0{1,4})?:)?(?:(?:25[0-5]|2[0-4]\d|1\d{2}|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d{2}|[1-9]?\d)` +
	`|(?:[0-9a-fA-F]{1,4}:){1,4}:(?:(?:25[0-5]|2[0-4]\d|1\d{2}|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d{2}|[1-9]?\d)` +
	`|::)(?:%[0-9A-Za-z]+)?`

// luhnValidator checks a credit card candidate against the Luhn checksum.
// A pass boosts confidence 3x; a fail leaves it unboosted rather than
// suppressing the match outright — a Luhn-invalid digit run is still a
// plausible card number worth a low-confidence detection, per §4.1's
// worked example (a failed check yields confidence < 0.5, not silence).
// Only a candidate outside the valid digit-count range is rejected.
func luhnValidator(match string) ValidatorResult {
	var digits []int
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return ValidatorResult{Valid: false, Multiplier: 0}
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	if sum%10 != 0 {
		return ValidatorResult{Valid: true, Multiplier: 1.0}
	}
	return ValidatorResult{Valid: true, Multiplier: 3.0}
}
