package ot

// transformInsertDelete derives the bottom two sides of the OT diamond, where
// the top two sides are an insert and a delete.
func transformInsertDelete(a, b Op) (ap, bp Op) {
	if a.Pos <= b.Pos {
		// Insert before delete. Delete shifts forward.
		b.Pos += len(a.Value)
	} else if a.Pos < b.Pos+b.Len {
		// Insert inside the delete span. The delete grows to cover the
		// inserted text and the insert collapses at the span start:
		// deletions win over same-span insertions from another actor.
		b.Len += len(a.Value)
		a.Pos, a.Value = b.Pos, ""
	} else {
		// Insert after delete. Insert shifts backward.
		a.Pos -= b.Len
	}
	return a, b
}

// wins reports whether a keeps the earlier offset when a and b insert at the
// same position. The tie-break is by actor id (then sequence number), never
// by timestamp, so every replica resolves the tie the same way.
func wins(a, b Op) bool {
	if a.Actor != b.Actor {
		return a.Actor < b.Actor
	}
	return a.Seq < b.Seq
}

func marker(op Op) bool {
	return op.Kind == Format || op.Kind == Move
}

// shiftMarker re-bases a zero-length marker's offsets past against.
func shiftMarker(m, against Op) Op {
	m.Pos = shiftOffset(m.Pos, against)
	if m.Kind == Move {
		m.To = shiftOffset(m.To, against)
	}
	return m
}

func shiftOffset(off int, against Op) int {
	switch against.Kind {
	case Insert:
		if against.Pos <= off {
			return off + len(against.Value)
		}
	case Delete:
		if off >= against.Pos+against.Len {
			return off - against.Len
		}
		if off > against.Pos {
			// The anchor was deleted; collapse onto the span start.
			return against.Pos
		}
	}
	return off
}

// Transform derives the bottom two sides of the OT diamond: it transforms
// (a, b) into (a', b') such that applying a then b' yields the same buffer as
// applying b then a', assuming both were issued against the same prior state.
// Transform is pure; operands are passed and returned by value.
func Transform(a, b Op) (ap, bp Op) {
	// Markers never displace other operations but are themselves displaced.
	if marker(a) && marker(b) {
		return a, b
	}
	if marker(a) {
		return shiftMarker(a, b), b
	}
	if marker(b) {
		return a, shiftMarker(b, a)
	}

	switch a.Kind {
	case Insert:
		switch b.Kind {
		case Insert:
			if a.Pos < b.Pos {
				b.Pos += len(a.Value)
			} else if b.Pos < a.Pos {
				a.Pos += len(b.Value)
			} else if wins(a, b) {
				b.Pos += len(a.Value)
			} else {
				a.Pos += len(b.Value)
			}
			return a, b
		case Delete:
			return transformInsertDelete(a, b)
		}
	case Delete:
		switch b.Kind {
		case Insert:
			bp, ap = transformInsertDelete(b, a)
			return ap, bp
		case Delete:
			aEnd, bEnd := a.Pos+a.Len, b.Pos+b.Len
			if aEnd <= b.Pos {
				b.Pos -= a.Len
			} else if bEnd <= a.Pos {
				a.Pos -= b.Len
			} else {
				// Spans overlap. Each side keeps the union minus the part the
				// other already removed, so no character is deleted twice.
				pos := min(a.Pos, b.Pos)
				overlap := min(aEnd, bEnd) - max(a.Pos, b.Pos)
				a.Pos, a.Len = pos, a.Len-overlap
				b.Pos, b.Len = pos, b.Len-overlap
			}
			return a, b
		}
	}
	return a, b
}

// TransformPatch is Transform for compound operations: it re-bases every op
// in a against every op in b and vice versa.
func TransformPatch(a, b []Op) (ap, bp []Op) {
	aNew, bNew := make([]Op, len(a)), make([]Op, len(b))
	copy(aNew, a)
	for i, bOp := range b {
		for j, aOp := range aNew {
			aNew[j], bOp = Transform(aOp, bOp)
		}
		bNew[i] = bOp
	}
	return aNew, bNew
}
