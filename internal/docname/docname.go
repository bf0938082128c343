// Package docname validates document names taken from request paths and maps
// them to storage locations.
package docname

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxLength bounds document names in bytes.
const MaxLength = 1024

var (
	rootedPattern   = regexp.MustCompile(`^/[\w\-./]+$`)
	relativePattern = regexp.MustCompile(`^[\w\-./]+$`)
)

// ErrInvalid reports a document name rejected by Validate.
type ErrInvalid struct {
	Name   string
	Reason string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("docname: invalid name %q: %s", e.Name, e.Reason)
}

// Validate applies the naming rules: non-empty, at most MaxLength bytes, no
// ".." segment, and either a rooted path or a relative path that does not
// begin with a backslash.
func Validate(name string) error {
	if name == "" {
		return &ErrInvalid{Name: name, Reason: "empty"}
	}
	if len(name) > MaxLength {
		return &ErrInvalid{Name: name, Reason: "exceeds length limit"}
	}
	if hasDotDotSegment(name) {
		return &ErrInvalid{Name: name, Reason: "contains '..' segment"}
	}
	if strings.HasPrefix(name, `\`) {
		return &ErrInvalid{Name: name, Reason: "begins with backslash"}
	}
	if strings.HasPrefix(name, "/") {
		if !rootedPattern.MatchString(name) {
			return &ErrInvalid{Name: name, Reason: "disallowed characters"}
		}
		return nil
	}
	if !relativePattern.MatchString(name) {
		return &ErrInvalid{Name: name, Reason: "disallowed characters"}
	}
	return nil
}

func hasDotDotSegment(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// FromPath derives a document name from a request path: the configured
// prefix is stripped, then exactly one leading slash; whatever remains (which
// may itself be rooted) is the name.
func FromPath(path, prefix string) string {
	if prefix != "" {
		path = strings.TrimPrefix(path, prefix)
	}
	return strings.TrimPrefix(path, "/")
}

// Rooted reports whether name is an absolute path used verbatim in
// filesystem mode.
func Rooted(name string) bool {
	return strings.HasPrefix(name, "/")
}

// WithExtension appends the first configured extension unless the name
// already carries one of them.
func WithExtension(name string, extensions []string) string {
	if len(extensions) == 0 {
		return name
	}
	for _, ext := range extensions {
		if ext != "" && strings.HasSuffix(name, ext) {
			return name
		}
	}
	return name + extensions[0]
}

// Resolve maps a validated name to its file path under dir. Rooted names are
// used verbatim; relative names land under dir. The extension is appended
// when absent.
func Resolve(dir, name string, extensions []string) string {
	name = WithExtension(name, extensions)
	if Rooted(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(dir, filepath.FromSlash(name))
}

// Flatten converts a name into a single path segment for snapshot-slot file
// names by collapsing separators.
func Flatten(name string) string {
	flat := strings.ReplaceAll(name, "/", "_")
	flat = strings.ReplaceAll(flat, `\`, "_")
	return strings.TrimLeft(flat, "_")
}
