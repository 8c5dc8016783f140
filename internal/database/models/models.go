// Package models contains the persistence models of the connector service.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONDoc stores an opaque JSON document in a jsonb column.
type JSONDoc json.RawMessage

// Scan implements the sql.Scanner interface for JSONDoc.
func (j *JSONDoc) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONDoc(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONDoc", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for JSONDoc.
func (j JSONDoc) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// MarshalJSON returns the stored document as-is.
func (j JSONDoc) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw document.
func (j *JSONDoc) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// StringSlice stores a string list in a jsonb column.
type StringSlice []string

// Scan implements the sql.Scanner interface for StringSlice.
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}
	return json.Unmarshal(raw, s)
}

// Value implements the driver.Valuer interface for StringSlice.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}
