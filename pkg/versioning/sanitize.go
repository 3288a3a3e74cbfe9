// ABOUTME: Partial-update sanitization for versioned collections
// ABOUTME: Strips client version assignments and forces an atomic +1 increment

package versioning

import (
	"github.com/nainya/versionstore/pkg/document"
)

// Operators whose operands assign field values
var assigningOperators = []string{document.OpSet, document.OpSetOnInsert}

// SanitizeUpdate returns a copy of update that cannot set versionField and
// increments it by exactly one. update itself is not modified.
func SanitizeUpdate(update document.Update, versionField string) document.Update {
	out, _ := sanitize(update, versionField)
	return out
}

// sanitize also reports how many version assignments it removed
func sanitize(update document.Update, versionField string) (document.Update, int) {
	out := update.Clone()
	stripped := 0

	if _, ok := out[versionField]; ok {
		delete(out, versionField)
		stripped++
	}

	for _, op := range assigningOperators {
		fields, ok := out.Fields(op)
		if !ok {
			continue
		}
		if _, ok := fields[versionField]; !ok {
			continue
		}
		delete(fields, versionField)
		stripped++
		if len(fields) == 0 {
			delete(out, op)
		}
	}

	inc, ok := out.Fields(document.OpInc)
	if !ok {
		inc = make(map[string]any)
	}
	if _, ok := inc[versionField]; ok {
		stripped++
	}
	inc[versionField] = int64(1)
	out[document.OpInc] = inc

	return out, stripped
}
