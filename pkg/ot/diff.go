package ot

// Diff converts "the editor now holds newText" into the wire operations
// [Retain(prefix)?, Delete?, Insert?] using a common-prefix / common-suffix
// scan. This is deliberately not a general diff: a single edit event always
// yields at most one contiguous change region, so one hunk is enough.
func Diff(oldText, newText string) Batch {
	if oldText == newText {
		return nil
	}

	// Общий префикс.
	start := 0
	for start < len(oldText) && start < len(newText) && oldText[start] == newText[start] {
		start++
	}

	// Общий суффикс, не заходя в префикс.
	endOld, endNew := len(oldText), len(newText)
	for endOld > start && endNew > start && oldText[endOld-1] == newText[endNew-1] {
		endOld--
		endNew--
	}

	var batch Batch
	if start > 0 {
		batch = append(batch, Retain{Len: start})
	}
	if deleted := endOld - start; deleted > 0 {
		batch = append(batch, Delete{Pos: start, Len: deleted})
	}
	if inserted := newText[start:endNew]; inserted != "" {
		batch = append(batch, Insert{Pos: start, Text: inserted})
	}
	return batch
}
