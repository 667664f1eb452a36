package topic

import "strings"

// Matches reports whether name (a concrete published topic) matches filter
// (a subscription pattern, possibly carrying '+'/'#' wildcards), using the
// same level-by-level rule Trie.matchRecursive walks the trie with: '+'
// matches exactly one level, a trailing '#' matches that level and
// everything deeper (including nothing at all, so "a/#" matches "a"), and a
// literal segment must match exactly. filter and name must agree on
// $SYS-rootedness and a leading '/', since Trie keeps those in separate
// roots that a wildcard never crosses.
//
// broker/conn.go is the one caller: Trie.Publish itself does this matching
// internally against registered subscriptions, but bridge topic direction
// needs to test an already-decided (filter, topic) pair against a
// subscription that never actually got registered in a live trie.
func Matches(filter, name string) bool {
	if strings.HasPrefix(filter, "$SYS") != strings.HasPrefix(name, "$SYS") {
		return false
	}
	if strings.HasPrefix(filter, "/") != strings.HasPrefix(name, "/") {
		return false
	}

	fLevels := splitLevels(filter)
	nLevels := splitLevels(name)

	for i, seg := range fLevels {
		if seg == "#" {
			return true
		}
		if i >= len(nLevels) {
			return false
		}
		if seg != "+" && seg != nLevels[i] {
			return false
		}
	}
	return len(fLevels) == len(nLevels)
}
