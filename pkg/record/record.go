// Package record decodes source pages into ordered, immutable records.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrMissingID is returned when an object lacks the identifier field.
var ErrMissingID = errors.New("record has no identifier")

// Record is a flat source object. Field order is the order the source
// returned the keys in; values are already rendered as text.
type Record struct {
	ID     int64
	fields []string
	values []string
}

// New builds a record from parallel field and value slices.
func New(id int64, fields, values []string) Record {
	return Record{
		ID:     id,
		fields: append([]string(nil), fields...),
		values: append([]string(nil), values...),
	}
}

// Fields returns the field names in source order.
func (r Record) Fields() []string {
	return append([]string(nil), r.fields...)
}

// Get returns the rendered value of field.
func (r Record) Get(field string) (string, bool) {
	for i, f := range r.fields {
		if f == field {
			return r.values[i], true
		}
	}
	return "", false
}

// Row renders the record against header. Fields missing from the record are
// empty; fields not in header are dropped.
func (r Record) Row(header []string) []string {
	row := make([]string, len(header))
	for i, h := range header {
		// Fast path: header built from this record's own shape.
		if i < len(r.fields) && r.fields[i] == h {
			row[i] = r.values[i]
			continue
		}
		row[i], _ = r.Get(h)
	}
	return row
}

// FromRow rebuilds a record from a persisted row.
func FromRow(header, row []string, idField string) (Record, error) {
	if len(row) != len(header) {
		return Record{}, fmt.Errorf("row has %d fields, header has %d", len(row), len(header))
	}
	for i, h := range header {
		if h == idField {
			id, err := ParseID(row[i])
			if err != nil {
				return Record{}, err
			}
			return New(id, header, row), nil
		}
	}
	return Record{}, fmt.Errorf("%w: header lacks %q", ErrMissingID, idField)
}

// ParseID parses an identifier rendered as an integer.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse identifier %q: %w", s, err)
	}
	return id, nil
}

// DecodeArray decodes a JSON array of flat objects, keeping key order.
// Strings are unquoted, null becomes empty, numbers keep their source text
// and nested values are kept as compact JSON.
func DecodeArray(r io.Reader, idField string) ([]Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}

	var records []Record
	for dec.More() {
		rec, err := decodeObject(dec, idField)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}

	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return records, nil
}

func decodeObject(dec *json.Decoder, idField string) (Record, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return Record{}, err
	}

	var (
		rec   Record
		hasID bool
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Record{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return Record{}, fmt.Errorf("unexpected key token %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return Record{}, fmt.Errorf("field %q: %w", key, err)
		}
		value, err := render(raw)
		if err != nil {
			return Record{}, fmt.Errorf("field %q: %w", key, err)
		}

		if key == idField {
			id, err := ParseID(value)
			if err != nil {
				return Record{}, err
			}
			rec.ID = id
			hasID = true
		}
		rec.fields = append(rec.fields, key)
		rec.values = append(rec.values, value)
	}

	if err := expectDelim(dec, '}'); err != nil {
		return Record{}, err
	}
	if !hasID {
		return Record{}, fmt.Errorf("%w: missing %q", ErrMissingID, idField)
	}
	return rec, nil
}

func render(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0:
		return "", nil
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case bytes.Equal(raw, []byte("null")):
		return "", nil
	case raw[0] == '{' || raw[0] == '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		return string(raw), nil
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
