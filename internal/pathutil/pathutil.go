// Package pathutil expands user-supplied paths before they reach the server
// configuration.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves environment variables and a leading "~" in p, then makes it
// absolute. An empty input stays empty.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		switch {
		case len(p) == 1:
			p = home
		case p[1] == '/' || p[1] == '\\':
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}
