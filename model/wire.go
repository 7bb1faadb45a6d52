package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ChangePayload is the JSON shape of a row change on the wire, shared by
// the database trigger and the realtime gateways:
//
//	{"type":"UPDATE","table":"listings","record":{...},"old_record":{...}}
type ChangePayload struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// DecodeRowChange parses a ChangePayload. Numbers are kept as their
// decimal text so prices survive without float rounding.
func DecodeRowChange(data []byte) (RowChange, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var p ChangePayload
	if err := dec.Decode(&p); err != nil {
		return RowChange{}, fmt.Errorf("decode change payload: %w", err)
	}
	kind, err := ParseChangeKind(p.Type)
	if err != nil {
		return RowChange{}, err
	}
	return RowChange{
		Kind:      kind,
		Table:     p.Table,
		Record:    normalizeRow(p.Record),
		OldRecord: normalizeRow(p.OldRecord),
	}, nil
}

// EncodeRowChange is the inverse of DecodeRowChange.
func EncodeRowChange(rc RowChange) ([]byte, error) {
	return json.Marshal(ChangePayload{
		Type:      rc.Kind.String(),
		Table:     rc.Table,
		Record:    rc.Record,
		OldRecord: rc.OldRecord,
	})
}

func normalizeRow(m map[string]any) Row {
	if m == nil {
		return nil
	}
	row := make(Row, len(m))
	for k, v := range m {
		if n, ok := v.(json.Number); ok {
			v = n.String()
		}
		row[k] = v
	}
	return row
}
