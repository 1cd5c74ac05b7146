package ot

// transformInsertDelete derives the bottom two sides of the OT diamond where
// the top sides are an insert (a) and a delete (b), both against the same
// base document.
func transformInsertDelete(a Insert, b Delete) (Op, Op) {
	switch {
	case a.Pos <= b.Pos:
		// Вставка до удаляемого диапазона: удаление сдвигается вправо.
		return a, Delete{Pos: b.Pos + len(a.Text), Len: b.Len}
	case a.Pos >= b.Pos+b.Len:
		// Вставка после диапазона: вставка сдвигается влево.
		return Insert{Pos: a.Pos - b.Len, Text: a.Text}, b
	default:
		// Insert lands strictly inside the deleted range: the delete grows to
		// also remove the inserted text, and the insert collapses to nothing
		// at the range start. Both sides must agree or replicas diverge.
		return Insert{Pos: b.Pos}, Delete{Pos: b.Pos, Len: b.Len + len(a.Text)}
	}
}

// Transform derives the bottom two sides of the OT diamond: given a and b
// defined against the same base document, it returns (a', b') such that
//
//	ApplyBatch(doc, [b, a']) == ApplyBatch(doc, [a, b'])
//
// On an insert-insert position tie, b stays logically first and a shifts
// right. The tie-break is a protocol constant: client and server share this
// exact code, which is what keeps both replicas convergent.
func Transform(a, b Op) (Op, Op) {
	// Retain — нейтральный элемент: ничего не сдвигает и не сдвигается.
	if _, ok := a.(Retain); ok {
		return a, b
	}
	if _, ok := b.(Retain); ok {
		return a, b
	}

	switch at := a.(type) {
	case Insert:
		switch bt := b.(type) {
		case Insert:
			if bt.Pos <= at.Pos {
				return Insert{Pos: at.Pos + len(bt.Text), Text: at.Text}, b
			}
			return a, Insert{Pos: bt.Pos + len(at.Text), Text: bt.Text}
		case Delete:
			return transformInsertDelete(at, bt)
		}
	case Delete:
		switch bt := b.(type) {
		case Insert:
			bp, ap := transformInsertDelete(bt, at)
			return ap, bp
		case Delete:
			return transformDeleteDelete(at, bt)
		}
	}
	return a, b
}

func transformDeleteDelete(a, b Delete) (Op, Op) {
	aEnd, bEnd := a.Pos+a.Len, b.Pos+b.Len
	if aEnd <= b.Pos {
		// a полностью до b: b сдвигается влево.
		return a, Delete{Pos: b.Pos - a.Len, Len: b.Len}
	}
	if bEnd <= a.Pos {
		return Delete{Pos: a.Pos - b.Len, Len: a.Len}, b
	}

	// Ranges overlap: each side keeps only what the other did not already
	// remove. A delete fully subsumed by the other collapses to Retain.
	pos := min(a.Pos, b.Pos)
	overlap := min(aEnd, bEnd) - max(a.Pos, b.Pos)

	var ap, bp Op
	if a.Len-overlap <= 0 {
		ap = Retain{}
	} else {
		ap = Delete{Pos: pos, Len: a.Len - overlap}
	}
	if b.Len-overlap <= 0 {
		bp = Retain{}
	} else {
		bp = Delete{Pos: pos, Len: b.Len - overlap}
	}
	return ap, bp
}

// TransformBatch re-expresses batch a as if every operation of batch b had
// already happened, one at a time, left to right. The second return value is
// b re-expressed over a, for callers that need the full diamond.
func TransformBatch(a, b Batch) (Batch, Batch) {
	ap, bp := a.Clone(), make(Batch, len(b))
	for i, bOp := range b {
		for j, aOp := range ap {
			ap[j], bOp = Transform(aOp, bOp)
		}
		bp[i] = bOp
	}
	return ap, bp
}

// Compose merges two sequentially applied single operations on the same
// document lineage (op2 applied after op1) into one equivalent operation.
// Used when collapsing history, not on the transform hot path.
func Compose(op1, op2 Op) Op {
	if _, ok := op2.(Retain); ok {
		return op1
	}
	if _, ok := op1.(Retain); ok {
		return op2
	}

	switch o1 := op1.(type) {
	case Insert:
		switch o2 := op2.(type) {
		case Insert:
			if o2.Pos <= o1.Pos {
				return Insert{Pos: o1.Pos + len(o2.Text), Text: o1.Text}
			}
			return op1
		case Delete:
			if o2.Pos <= o1.Pos {
				// Удаление перед вставкой сдвигает её влево.
				removed := min(o2.Len, o1.Pos-o2.Pos)
				return Insert{Pos: o1.Pos - removed, Text: o1.Text}
			}
			return op1
		}
	case Delete:
		switch o2 := op2.(type) {
		case Insert:
			if o2.Pos <= o1.Pos {
				return Delete{Pos: o1.Pos + len(o2.Text), Len: o1.Len}
			}
			return op1
		case Delete:
			// Два удаления сливаются в покрывающий диапазон.
			start := min(o1.Pos, o2.Pos)
			end := max(o1.Pos+o1.Len, o2.Pos+o2.Len)
			return Delete{Pos: start, Len: end - start}
		}
	}
	return op2
}
