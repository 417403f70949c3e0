package document

// Wins reports whether a register stamped with incoming replaces one stamped with existing:
// the higher counter wins, equal counters fall back to the higher peer id, and identical
// clocks never replace each other so re-delivery is a no-op.
func Wins(incoming, existing Clock) bool {
	return incoming.Compare(existing) > 0
}

// Merge folds incoming into existing register by register and returns the merged document
// with the names of the registers that changed (DeletedField for the tombstone register).
// Changed registers are stamped with seq. existing is never modified; when nothing wins the
// returned document shares existing's register table.
//
// The result depends only on the set of writes seen, never on their arrival order.
func Merge(existing, incoming Document, seq uint64) (Document, []string) {
	merged := existing
	owned := false
	if merged.ID == "" {
		merged = New(incoming.ID)
		owned = true
	}
	var changed []string
	for _, name := range incoming.FieldNames() {
		in := incoming.Fields[name]
		if in.Clock.IsZero() {
			continue
		}
		if cur, ok := merged.Fields[name]; ok && !Wins(in.Clock, cur.Clock) {
			continue
		}
		if !owned {
			merged = merged.Clone()
			owned = true
		}
		in.Seq = seq
		merged.Fields[name] = in
		changed = append(changed, name)
	}
	if in := incoming.Deleted; !in.Clock.IsZero() && Wins(in.Clock, merged.Deleted.Clock) {
		if !owned {
			merged = merged.Clone()
		}
		in.Seq = seq
		merged.Deleted = in
		changed = append(changed, DeletedField)
	}
	return merged, changed
}

// Stamp assigns clock to every register of d that carries no causal metadata yet.
func Stamp(d Document, clock Clock) Document {
	out := d.Clone()
	for name, reg := range out.Fields {
		if reg.Clock.IsZero() {
			reg.Clock = clock
			out.Fields[name] = reg
		}
	}
	if out.Deleted.Clock.IsZero() && out.Deleted.Value.Kind() == KindBool {
		out.Deleted.Clock = clock
	}
	return out
}

// Since returns a copy of d restricted to the registers changed after seq, leaving out
// registers last written by skipPeer. ok is false when nothing remains.
func Since(d Document, seq uint64, skipPeer string) (Document, bool) {
	out := Document{ID: d.ID, Fields: map[string]Register{}}
	for name, reg := range d.Fields {
		if reg.Seq > seq && reg.Clock.PeerID != skipPeer {
			out.Fields[name] = reg
		}
	}
	if d.Deleted.Seq > seq && !d.Deleted.Clock.IsZero() && d.Deleted.Clock.PeerID != skipPeer {
		out.Deleted = d.Deleted
	}
	return out, len(out.Fields) > 0 || !out.Deleted.Clock.IsZero()
}
