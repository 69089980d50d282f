package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata is an open key/value document persisted as JSONB.
type Metadata map[string]interface{}

// Value marshals metadata to JSON for persistence.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		m = Metadata{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the metadata map.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for Metadata", value)
	}
	if len(data) == 0 {
		*m = Metadata{}
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	return nil
}
