package persistence

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSONMap stores a map[string]any as a JSON column. GORM's generic `json`
// column type needs a concrete Go type implementing sql.Scanner/
// driver.Valuer; map[string]any doesn't satisfy that on its own.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("persistence: JSONMap.Scan: unsupported column type")
		}
		b = []byte(s)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, m)
}

// JSONStringList stores a []string as a JSON column (used for
// CompensationErrors).
type JSONStringList []string

func (l JSONStringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *JSONStringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("persistence: JSONStringList.Scan: unsupported column type")
		}
		b = []byte(s)
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, l)
}
