package document

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// registerRecord is the serialized form of a register: {value, peerId, counter[, seq]}.
type registerRecord struct {
	Value   Value  `json:"value"`
	PeerID  string `json:"peerId"`
	Counter uint64 `json:"counter"`
	Seq     uint64 `json:"seq,omitempty"`
}

// record is the serialized form of a document:
// {_id, fields: {name: {value, peerId, counter}}, deleted: {value, peerId, counter}}.
type record struct {
	ID      string                    `json:"_id"`
	Fields  map[string]registerRecord `json:"fields"`
	Deleted registerRecord            `json:"deleted"`
}

func toRecord(d Document, withSeq bool) record {
	rec := record{ID: d.ID, Fields: make(map[string]registerRecord, len(d.Fields))}
	for name, reg := range d.Fields {
		rec.Fields[name] = toRegisterRecord(reg, withSeq)
	}
	rec.Deleted = toRegisterRecord(d.Deleted, withSeq)
	if rec.Deleted.Value.Kind() != KindBool {
		rec.Deleted.Value = Bool(false)
	}
	return rec
}

func toRegisterRecord(reg Register, withSeq bool) registerRecord {
	out := registerRecord{Value: reg.Value, PeerID: reg.Clock.PeerID, Counter: reg.Clock.Counter}
	if withSeq {
		out.Seq = reg.Seq
	}
	return out
}

func fromRecord(rec record) (Document, error) {
	doc := Document{ID: rec.ID, Fields: make(map[string]Register, len(rec.Fields))}
	for name, r := range rec.Fields {
		doc.Fields[name] = Register{Value: r.Value, Clock: Clock{PeerID: r.PeerID, Counter: r.Counter}, Seq: r.Seq}
	}
	doc.Deleted = Register{Value: rec.Deleted.Value, Clock: Clock{PeerID: rec.Deleted.PeerID, Counter: rec.Deleted.Counter}, Seq: rec.Deleted.Seq}
	if doc.Deleted.Clock.IsZero() {
		doc.Deleted = Register{}
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// EncodeRecord serializes a document for durable storage, keeping local commit sequences.
func EncodeRecord(d Document) ([]byte, error) {
	b, err := json.Marshal(toRecord(d, true))
	if err != nil {
		return nil, fmt.Errorf("encode record %q: %w", d.ID, err)
	}
	return b, nil
}

// DecodeRecord parses a record produced by EncodeRecord or received from a peer.
func DecodeRecord(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var rec record
	if err := dec.Decode(&rec); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return fromRecord(rec)
}

// MarshalJSON renders the wire form of a document: the record layout without local
// commit sequences.
func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(toRecord(d, false))
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	rec.Deleted.Seq = 0
	for name, r := range rec.Fields {
		r.Seq = 0
		rec.Fields[name] = r
	}
	doc, err := fromRecord(rec)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}
