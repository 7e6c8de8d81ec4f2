package ticket

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

const (
	// IDPrefix and FileExt define the filename convention: TKT-001.md.
	IDPrefix = "TKT-"
	FileExt  = ".md"

	idPadding = 3
)

var (
	fileNamePattern = regexp.MustCompile(`^TKT-(\d{3,})\.md$`)
	idPattern       = regexp.MustCompile(`^TKT-(\d{3,})$`)
)

// FormatID renders a numeric suffix as a zero-padded identifier.
func FormatID(n int) string {
	return fmt.Sprintf("%s%0*d", IDPrefix, idPadding, n)
}

// ParseID extracts the numeric suffix from an identifier.
func ParseID(id string) (int, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("invalid ticket id %q", id)
	}
	return strconv.Atoi(m[1])
}

// FileName returns the backing filename for an identifier.
func FileName(id string) string {
	return id + FileExt
}

// IDFromPath extracts a ticket identifier from a file path. The second return
// is false for paths that do not match the ticket filename convention.
func IDFromPath(path string) (string, bool) {
	m := fileNamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "", false
	}
	return IDPrefix + m[1], true
}

// MatchesFileName reports whether a bare filename follows the ticket
// filename convention.
func MatchesFileName(name string) bool {
	return fileNamePattern.MatchString(name)
}
