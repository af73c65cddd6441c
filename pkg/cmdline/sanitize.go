package cmdline

import (
	"regexp"
	"strings"
)

const maxFilenameLength = 100

var (
	protocolRegex           = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
	invalidFilenameChars    = regexp.MustCompile(`[<>:"/\\|?*=&#]`)
	multipleUnderscoreRegex = regexp.MustCompile(`_+`)
)

var (
	fileExtensions     = []string{".txt", ".json", ".xml", ".csv", ".log", ".out", ".html", ".pdf"}
	filenameIndicators = []string{"output", "result", "scan", "report", "log", "file"}
)

// SanitizeForFilename converts a value (like a URL) into a safe filename
// component.
func SanitizeForFilename(value string) string {
	sanitized := protocolRegex.ReplaceAllString(value, "")
	sanitized = invalidFilenameChars.ReplaceAllString(sanitized, "_")
	sanitized = multipleUnderscoreRegex.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_.")

	if sanitized == "" {
		sanitized = "sanitized_value"
	}

	if len(sanitized) > maxFilenameLength {
		sanitized = sanitized[:maxFilenameLength]
		sanitized = strings.TrimRight(sanitized, "_.")
	}
	return sanitized
}

// isLikelyFilePath reports whether a command-line token names a file rather
// than a URL or a plain argument.
func isLikelyFilePath(token string) bool {
	lower := strings.ToLower(token)
	if strings.Contains(lower, "://") {
		return false
	}
	for _, ext := range fileExtensions {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	for _, indicator := range filenameIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	if strings.Contains(token, "/") || strings.Contains(token, "\\") {
		return !strings.Contains(lower, "http") && !strings.Contains(lower, "fuzz")
	}
	return false
}
