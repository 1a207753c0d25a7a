package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Kind identifies which field of a Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

var errNestedObject = errors.New("nested object is not a scalar value")

// Value is a scalar or list attribute of a record payload.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
	List []Value
}

func Null() Value               { return Value{} }
func String(s string) Value     { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value    { return Value{Kind: KindNumber, Num: n} }
func Bool(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// MarshalJSON encodes v in its canonical form.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeTo(buf *bytes.Buffer) error {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		b, err := json.Marshal(v.Str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindNumber:
		buf.WriteString(strconv.FormatFloat(v.Num, 'f', -1, 64))
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool))
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.List {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeTo(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("unknown value kind %d", v.Kind)
	}
	return nil
}

// UnmarshalJSON decodes a JSON scalar or array. Objects are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty value")
	}
	switch data[0] {
	case 'n':
		*v = Null()
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		items := make([]Value, len(raw))
		for i, r := range raw {
			if err := items[i].UnmarshalJSON(r); err != nil {
				return err
			}
		}
		*v = List(items...)
	case '{':
		return errNestedObject
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", data, err)
		}
		*v = Number(n)
	}
	return nil
}

// Payload is the body of a record: typed attributes plus an open extension
// map for nested objects the pipeline does not interpret.
type Payload struct {
	Attributes map[string]Value
	Extensions map[string]json.RawMessage
}

// PayloadFromRaw splits a decoded JSON object into attributes and extensions.
func PayloadFromRaw(fields map[string]json.RawMessage) (Payload, error) {
	p := Payload{
		Attributes: make(map[string]Value, len(fields)),
		Extensions: make(map[string]json.RawMessage),
	}
	for key, raw := range fields {
		var v Value
		err := v.UnmarshalJSON(raw)
		switch {
		case err == nil:
			p.Attributes[key] = v
		case errors.Is(err, errNestedObject):
			p.Extensions[key] = append(json.RawMessage(nil), raw...)
		default:
			return Payload{}, fmt.Errorf("field %s: %w", key, err)
		}
	}
	return p, nil
}

// Get returns the attribute stored under key.
func (p Payload) Get(key string) (Value, bool) {
	v, ok := p.Attributes[key]
	return v, ok
}

// Has reports whether key is present either as attribute or extension.
func (p Payload) Has(key string) bool {
	if _, ok := p.Attributes[key]; ok {
		return true
	}
	_, ok := p.Extensions[key]
	return ok
}

// MarshalJSON writes the payload as a flat object with sorted keys. Nested
// extension objects are canonicalised as well, so equal content always
// produces equal bytes.
func (p Payload) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(p.Attributes)+len(p.Extensions))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	for k := range p.Extensions {
		if _, dup := p.Attributes[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if v, ok := p.Attributes[k]; ok {
			if err := v.writeTo(&buf); err != nil {
				return nil, err
			}
			continue
		}
		if err := writeCanonical(&buf, p.Extensions[k]); err != nil {
			return nil, fmt.Errorf("extension %s: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	decoded, err := PayloadFromRaw(fields)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

// Hash is the hex sha256 of the canonical payload encoding.
func (p Payload) Hash() (string, error) {
	b, err := p.MarshalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(buf *bytes.Buffer, raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return writeAny(buf, v)
}

func writeAny(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeAny(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeAny(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Record is one upstream entity. Records are immutable once landed.
type Record struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Payload   Payload   `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
	Page      int       `json:"page"`
}

// ContentHash identifies the record content. Fetch time and page are not
// part of it, so refetching an unchanged record yields the same hash.
func (r Record) ContentHash() (string, error) {
	return r.Payload.Hash()
}

// StoredRecord is the body written for each landed record.
type StoredRecord struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	ContentHash string    `json:"content_hash"`
	RunID       int64     `json:"run_id"`
	FetchedAt   time.Time `json:"fetched_at"`
	Page        int       `json:"page"`
	Payload     Payload   `json:"payload"`
}

// Cursor marks a resume position in an upstream listing. The zero value
// starts from the configured start page.
type Cursor struct {
	Page  int    `json:"page,omitempty"`
	Token string `json:"token,omitempty"`
}

func (c Cursor) IsZero() bool { return c.Page == 0 && c.Token == "" }

// LandingBatch is the ordered set of records fetched for one source in one run.
type LandingBatch struct {
	RunID   int64
	Source  string
	Records []Record
}

// WriteResult summarises a landing write.
type WriteResult struct {
	RunID        int64    `json:"run_id"`
	Source       string   `json:"source"`
	Received     int      `json:"received"`
	Written      int      `json:"written"`
	Deduplicated int      `json:"deduplicated"`
	Keys         []string `json:"keys,omitempty"`
	ManifestKey  string   `json:"manifest_key"`
}
