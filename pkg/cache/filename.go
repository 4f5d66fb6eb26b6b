package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Windows reserved names that cannot be used as filenames
var windowsReservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"COM5": true, "COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true,
	"LPT5": true, "LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Regular expression for valid filename characters
var validFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Regular expression for collapsing duplicate separators
var duplicateSeparators = regexp.MustCompile(`[-._]{2,}`)

const maxStemLength = 120

// storeFilename maps a cache key to a deterministic, filesystem-safe
// file name inside the byte store.
//
// Rules applied:
// - Allow only [A-Za-z0-9._-] characters; replace others with '-'
// - Collapse duplicate separators and trim leading/trailing ones
// - Append an 8-hex SHA-256 suffix whenever sanitization changed the
//   key, so distinct keys never collide on one file name
// - Suffix Windows reserved names (CON, PRN, AUX, NUL, COM1-9, LPT1-9)
func storeFilename(key string) string {
	stem := validFilenameChars.ReplaceAllString(key, "-")
	stem = duplicateSeparators.ReplaceAllString(stem, "-")
	stem = strings.Trim(stem, "-._")

	if len(stem) > maxStemLength {
		stem = stem[:maxStemLength]
		stem = strings.Trim(stem, "-._")
	}

	if windowsReservedNames[strings.ToUpper(stem)] {
		stem += "-doc"
	}

	if stem != key || stem == "" {
		sum := sha256.Sum256([]byte(key))
		suffix := hex.EncodeToString(sum[:4])
		if stem == "" {
			stem = suffix
		} else {
			stem = stem + "-" + suffix
		}
	}

	return stem + ".pdf"
}
