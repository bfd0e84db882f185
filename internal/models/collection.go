package models

import (
	"encoding/json"
	"fmt"
)

// Record is one item of a collection in its wire form. The store only
// inspects the "name" and "status" fields; everything else is opaque.
type Record json.RawMessage

// ErrMalformedRecord is returned for records that are not JSON objects
// with a non-empty name.
var ErrMalformedRecord = fmt.Errorf("%w: record must be a JSON object with a name", ErrInvalidRequest)

// NewRecord encodes v as a record.
func NewRecord(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return Record(data), nil
}

// Name returns the identity key of the record.
func (r Record) Name() (string, error) {
	var head struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(r, &head); err != nil || head.Name == "" {
		return "", ErrMalformedRecord
	}
	return head.Name, nil
}

// WithField returns a copy of the record with key set to value.
func (r Record) WithField(key string, value any) (Record, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(r, &fields); err != nil {
		return nil, ErrMalformedRecord
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode field %s: %w", key, err)
	}
	fields[key] = encoded
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return Record(out), nil
}

// Decode unmarshals the record into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r, v)
}

// MarshalJSON keeps the record verbatim.
func (r Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores a copy of data.
func (r *Record) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// Collection is the persisted value of one settings type: an ordered list
// of tests. Order is priority.
type Collection struct {
	Tests []Record `json:"tests"`
}

// Names returns the item names in order.
func (c Collection) Names() ([]string, error) {
	names := make([]string, 0, len(c.Tests))
	for _, r := range c.Tests {
		name, err := r.Name()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// Index returns the position of the named item or -1.
func (c Collection) Index(name string) int {
	for i, r := range c.Tests {
		if n, err := r.Name(); err == nil && n == name {
			return i
		}
	}
	return -1
}

// Snapshot is the result of fetching a collection.
type Snapshot struct {
	Value      Collection            `json:"value"`
	Version    string                `json:"version"`
	Status     LockStatus            `json:"status"`
	ItemStatus map[string]LockStatus `json:"itemStatus,omitempty"`
	UserEmail  string                `json:"userEmail"`
}

// ItemLock returns the lock status of a single item.
func (s *Snapshot) ItemLock(name string) LockStatus {
	if s.ItemStatus == nil {
		return Unlocked()
	}
	return s.ItemStatus[name].Normalize()
}

// VersionedValue is the body of every versioned write.
type VersionedValue[T any] struct {
	Version string `json:"version"`
	Value   T      `json:"value"`
}
