package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var (
	_ sql.Scanner   = (*SyncClock)(nil)
	_ driver.Valuer = SyncClock{}
)

// scanJSONB scans a JSONB database value into dest. It handles nil, []byte
// and string representations from different drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan reads the sync_clock JSONB column. NULL leaves a zero clock.
func (c *SyncClock) Scan(value any) error {
	if value == nil {
		*c = SyncClock{}
		return nil
	}
	return scanJSONB(c, value)
}

// Value writes the clock as JSONB.
func (c SyncClock) Value() (driver.Value, error) {
	return json.Marshal(c)
}
