package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Variables is a JSONB column of loosely typed values. Numbers come back as
// float64 after a database round trip.
type Variables map[string]interface{}

// Value implements driver.Valuer interface
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return fmt.Errorf("cannot scan %T into Variables", value)
	}
}

// GetString returns the string stored under key, or ""
func (v Variables) GetString(key string) string {
	s, _ := v[key].(string)
	return s
}

// GetUint returns a non-negative number stored under key
func (v Variables) GetUint(key string) (uint64, bool) {
	switch n := v[key].(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

// GetBool returns the boolean stored under key
func (v Variables) GetBool(key string) bool {
	b, _ := v[key].(bool)
	return b
}
