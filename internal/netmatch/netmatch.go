// Package netmatch implements the no-proxy/address matching rule spec.md
// testable property 9 requires: a leading dot on a no-proxy entry is
// ignored, a bare "*" segment matches exactly one dot-separated label, and
// a port on either side that doesn't match the other never matches.
//
// Grounded in original_source/'s client_common.hpp/port.hpp (no Go
// equivalent exists in the teacher, which never needed proxy bypass
// matching; this package is written in the teacher's terse, no-frills
// utility-function style).
package netmatch

import "strings"

// Matches reports whether addr ("host:port" or bare "host") is covered by
// pattern, one entry of a no-proxy list.
func Matches(pattern, addr string) bool {
	patternHost, patternPort := splitHostPort(pattern)
	addrHost, addrPort := splitHostPort(addr)

	if patternPort != "" && patternPort != addrPort {
		return false
	}

	patternHost = strings.TrimPrefix(patternHost, ".")
	return matchLabels(strings.Split(patternHost, "."), strings.Split(addrHost, "."))
}

// matchLabels compares dot-separated label sequences right-to-left so a
// pattern with fewer labels than addr matches addr's suffix (the usual
// no-proxy ".example.com matches foo.example.com" behaviour), and a "*"
// label matches exactly one label of addr. A pattern containing "*" only
// matches an addr with the same number of labels.
func matchLabels(pattern, addr []string) bool {
	if len(pattern) > len(addr) {
		return false
	}
	offset := len(addr) - len(pattern)
	for i, p := range pattern {
		a := addr[offset+i]
		if p == "*" {
			if offset != 0 {
				return false
			}
			continue
		}
		if !strings.EqualFold(p, a) {
			return false
		}
	}
	return true
}

// splitHostPort splits "host:port" into its parts; if there is no colon,
// port is "".
func splitHostPort(s string) (host, port string) {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// AnyMatches reports whether addr matches any entry of a no-proxy list.
func AnyMatches(patterns []string, addr string) bool {
	for _, p := range patterns {
		if Matches(p, addr) {
			return true
		}
	}
	return false
}
