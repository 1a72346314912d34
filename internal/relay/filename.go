// ABOUTME: File name sanitizing for names shown to the device and sent in Content-Disposition

package relay

import (
	"strings"
	"unicode/utf8"
)

// MaxFileNameLength caps sanitized names, in runes.
const MaxFileNameLength = 120

const defaultFileName = "file"

// SanitizeFileName strips path separators, reserved and control characters
// and caps the length. Overlong names keep their tail so the extension
// survives.
func SanitizeFileName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(`<>:"/\|?*`, r):
			return -1
		case r == utf8.RuneError:
			return -1
		}
		return r
	}, name)

	cleaned = strings.Trim(cleaned, " .")
	if cleaned == "" {
		return defaultFileName
	}

	if utf8.RuneCountInString(cleaned) > MaxFileNameLength {
		runes := []rune(cleaned)
		cleaned = strings.TrimLeft(string(runes[len(runes)-MaxFileNameLength:]), " .")
		if cleaned == "" {
			return defaultFileName
		}
	}
	return cleaned
}
