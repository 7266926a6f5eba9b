package storage

import (
	"path"
	"strings"
	"unicode/utf8"
)

// MaxPathLength is the longest remote path accepted, in characters.
const MaxPathLength = 255

var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// ValidatePath rejects remote paths that could escape a backend's root or
// that some backends cannot store. It runs before every remote I/O call.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return &PathError{Path: p, Reason: "empty"}
	case utf8.RuneCountInString(p) > MaxPathLength:
		return &PathError{Path: string([]rune(p)[:32]) + "...", Reason: "longer than 255 characters"}
	case strings.ContainsRune(p, 0):
		return &PathError{Path: p, Reason: "contains null byte"}
	case strings.Contains(p, ".."):
		return &PathError{Path: p, Reason: "contains '..'"}
	case strings.HasPrefix(p, "/"):
		return &PathError{Path: p, Reason: "absolute path"}
	case strings.Contains(p, "//"):
		return &PathError{Path: p, Reason: "contains '//'"}
	}

	for _, seg := range strings.Split(p, "/") {
		base := seg
		if i := strings.IndexByte(base, '.'); i >= 0 {
			base = base[:i]
		}
		if _, reserved := reservedNames[strings.ToUpper(base)]; reserved {
			return &PathError{Path: p, Reason: "reserved device name " + seg}
		}
	}
	return nil
}

// JoinRemote joins a backend base directory and a validated remote path
// using forward slashes regardless of the host OS.
func JoinRemote(base, p string) string {
	if base == "" {
		return p
	}
	return path.Join(base, p)
}
