package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	return scanJSON(value, j)
}

func (j JSONB) GormDataType() string {
	return "jsonb"
}

// scanJSON decodes a json column that drivers hand back either as bytes or as text.
func scanJSON(value interface{}, dest interface{}) error {
	switch typed := value.(type) {
	case []byte:
		if len(typed) == 0 {
			return nil
		}
		return json.Unmarshal(typed, dest)
	case string:
		if typed == "" {
			return nil
		}
		return json.Unmarshal([]byte(typed), dest)
	default:
		return fmt.Errorf("failed to scan json column: %v", value)
	}
}
