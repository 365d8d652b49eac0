package delivery

import (
	"regexp"
	"strings"
	"sync"

	"github.com/lalithlochan/mailhook/internal/db"
)

// patternCache holds compiled subject patterns. Subscriptions are few and
// patterns rarely change, so entries are never evicted.
var patternCache sync.Map // string -> *regexp.Regexp

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// ValidatePattern reports whether pattern compiles as a subject filter.
func ValidatePattern(pattern string) error {
	_, err := compilePattern(pattern)
	return err
}

// Matches reports whether email passes the subscription filters.
//
// To and From lists match case-insensitively when the address equals or
// contains any entry; an empty list matches every address. A subject
// pattern never matches an email without a subject. An invalid pattern
// matches nothing and is returned as an error so callers can log it.
func Matches(f db.Filters, email *db.InboundEmail) (bool, error) {
	if !matchesAddress(f.To, email.To) {
		return false, nil
	}
	if !matchesAddress(f.From, email.From) {
		return false, nil
	}

	if f.SubjectPattern == nil || *f.SubjectPattern == "" {
		return true, nil
	}
	if email.Subject == nil {
		return false, nil
	}

	re, err := compilePattern(*f.SubjectPattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(*email.Subject), nil
}

func matchesAddress(candidates []string, address string) bool {
	if len(candidates) == 0 {
		return true
	}
	addr := strings.ToLower(strings.TrimSpace(address))
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if addr == c || strings.Contains(addr, c) {
			return true
		}
	}
	return false
}
