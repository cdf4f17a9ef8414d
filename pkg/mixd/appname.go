package mixd

import (
	"strings"
	"unicode"
)

// NormalizeProcessIdentity canonicalizes the process identity reported by the
// audio graph into the stable key applications are tracked under.
// Full paths are reduced to the binary name, common packaging suffixes are
// stripped, and the result is lowercased so lookups are case-insensitive
func NormalizeProcessIdentity(raw string) string {
	name := raw

	// handle both unix and wine-style paths
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.LastIndexByte(name, '\\'); idx >= 0 {
		name = name[idx+1:]
	}

	name = strings.TrimSuffix(name, "-bin")
	name = strings.TrimSuffix(name, ".exe")

	return strings.ToLower(strings.TrimSpace(name))
}

// DisplayNameFor derives a human-facing name from a normalized process identity
func DisplayNameFor(identity string) string {
	if identity == "" {
		return ""
	}

	runes := []rune(identity)
	runes[0] = unicode.ToUpper(runes[0])

	return string(runes)
}
