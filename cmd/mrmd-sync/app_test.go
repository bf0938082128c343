package main

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	root := newRootCommand(pslog.NewStructured(bytes.NewBuffer(nil)))
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) == "" {
		t.Fatal("expected version output")
	}
}

func TestRootFlagsRegistered(t *testing.T) {
	t.Parallel()

	root := newRootCommand(pslog.NewStructured(bytes.NewBuffer(nil)))
	for _, name := range []string{
		"listen", "dir", "store", "debounce", "max-connections",
		"max-connections-per-doc", "max-message-size", "max-file-size",
		"ping-interval", "doc-cleanup-delay", "snapshot-interval",
		"path-prefix", "metrics-listen", "dangerously-allow-system-paths",
	} {
		if root.Flags().Lookup(name) == nil {
			t.Fatalf("missing flag --%s", name)
		}
	}
}
