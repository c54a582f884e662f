package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Value stores the definition as a JSON document.
func (d RuleDefinition) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads a JSON document column into the definition.
func (d *RuleDefinition) Scan(src any) error {
	return scanJSON(src, d)
}

// Value stores the snapshot as a JSON document.
func (p ProgressData) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads a JSON document column into the snapshot.
func (p *ProgressData) Scan(src any) error {
	return scanJSON(src, p)
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}
