package utils

import (
	"regexp"
	"strings"
)

var (
	unsafePathChars = regexp.MustCompile(`[^a-z0-9._-]+`)
	repeatedSep     = regexp.MustCompile(`_+`)
)

const maxPathComponent = 100

// SanitizeHost turns a host (optionally with port) into a single directory name component.
// Hosts are case-insensitive, so the result is lower-cased; anything outside [a-z0-9._-]
// collapses to one underscore.
func SanitizeHost(host string) string {
	name := unsafePathChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(host)), "_")
	name = repeatedSep.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_.")

	if len(name) > maxPathComponent {
		name = strings.Trim(name[:maxPathComponent], "_.")
	}
	if name == "" {
		return "unknown_host"
	}
	return name
}
