package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreFilenameCleanKeyUnchanged(t *testing.T) {
	assert.Equal(t, "2401.12345v2.pdf", storeFilename("2401.12345v2"))
	assert.Equal(t, "hep-th_9901001.pdf", storeFilename("hep-th_9901001"))
}

func TestStoreFilenameSanitizesUnsafeCharacters(t *testing.T) {
	name := storeFilename("hep-th/9901001")

	assert.NotContains(t, name, "/")
	assert.True(t, strings.HasSuffix(name, ".pdf"))
	// Changed keys carry a hash suffix so distinct keys cannot collide.
	assert.Contains(t, name, "hep-th-9901001-")
}

func TestStoreFilenameIsDeterministic(t *testing.T) {
	key := "10.1000/xyz123?version=2"
	assert.Equal(t, storeFilename(key), storeFilename(key))
}

func TestStoreFilenameDistinguishesCollidingKeys(t *testing.T) {
	// Both keys sanitize to the same stem; the hash suffix keeps them apart.
	a := storeFilename("doi:10.1/abc")
	b := storeFilename("doi;10.1/abc")
	assert.NotEqual(t, a, b)
}

func TestStoreFilenameTruncatesLongKeys(t *testing.T) {
	key := strings.Repeat("a", 500)
	name := storeFilename(key)

	assert.LessOrEqual(t, len(name), maxStemLength+1+8+len(".pdf"))
	assert.True(t, strings.HasSuffix(name, ".pdf"))
}

func TestStoreFilenameAvoidsWindowsReservedNames(t *testing.T) {
	for _, key := range []string{"CON", "con", "NUL", "lpt1"} {
		name := storeFilename(key)
		stem := strings.TrimSuffix(name, ".pdf")
		base := strings.SplitN(stem, "-", 2)[0]
		assert.False(t, windowsReservedNames[strings.ToUpper(base)] && base == stem,
			"reserved name %q must not map to itself: %q", key, name)
		assert.Contains(t, name, "-doc")
	}
}

func TestStoreFilenameEmptyAndSeparatorOnlyKeys(t *testing.T) {
	for _, key := range []string{"", "///", "...", "-_-"} {
		name := storeFilename(key)
		assert.True(t, strings.HasSuffix(name, ".pdf"))
		assert.Greater(t, len(name), len(".pdf"), "key %q must yield a non-empty stem", key)
	}
}
