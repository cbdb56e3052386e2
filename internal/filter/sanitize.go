package filter

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/yourorg/vidlens/internal/config"
)

// SanitizeConfig is an alias of config.SanitizeConfig.
type SanitizeConfig = config.SanitizeConfig

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	googleKey     = regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`)
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-~+/]+=*`)
)

// Redact scrubs API keys, bearer tokens and sensitive URL query parameters
// from msg.
func Redact(msg string, cfg SanitizeConfig) string {
	if msg == "" {
		return msg
	}
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = "***REDACTED***"
	}
	params := toLowerSet(cfg.QueryParams)
	msg = urlPattern.ReplaceAllStringFunc(msg, func(u string) string {
		return redactURL(u, params, replacement)
	})
	msg = googleKey.ReplaceAllString(msg, replacement)
	msg = bearerPattern.ReplaceAllString(msg, "${1}"+replacement)
	return msg
}

// Redactor binds cfg for use as a plain func(string) string.
func Redactor(cfg SanitizeConfig) func(string) string {
	return func(s string) string { return Redact(s, cfg) }
}

func redactURL(raw string, set map[string]struct{}, replacement string) string {
	qi := strings.Index(raw, "?")
	if qi < 0 || len(set) == 0 {
		return raw
	}
	query, fragment := raw[qi+1:], ""
	if fi := strings.Index(query, "#"); fi >= 0 {
		query, fragment = query[:fi], query[fi:]
	}
	pairs := strings.Split(query, "&")
	for i, pair := range pairs {
		name, _, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		if decoded, err := url.QueryUnescape(name); err == nil {
			name = decoded
		}
		if _, ok := set[strings.ToLower(name)]; ok {
			pairs[i] = pair[:strings.Index(pair, "=")+1] + replacement
		}
	}
	return raw[:qi+1] + strings.Join(pairs, "&") + fragment
}

func toLowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
