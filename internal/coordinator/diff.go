package coordinator

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/MaximeRivest/mrmd-sync/internal/crdt"
)

// diffScript computes a character-level edit script turning old into new,
// expressed over Unicode code points for the replica's text register.
func diffScript(old, new string) []crdt.Edit {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, new, false)
	diffs = dmp.DiffCleanupEfficiency(diffs)
	script := make([]crdt.Edit, 0, len(diffs))
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			script = append(script, crdt.Edit{Op: crdt.EditKeep, Text: d.Text})
		case diffmatchpatch.DiffInsert:
			script = append(script, crdt.Edit{Op: crdt.EditInsert, Text: d.Text})
		case diffmatchpatch.DiffDelete:
			script = append(script, crdt.Edit{Op: crdt.EditDelete, Count: utf8.RuneCountInString(d.Text)})
		}
	}
	return script
}
