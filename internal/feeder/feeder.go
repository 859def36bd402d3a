// Package feeder loads per-session data sets and injects their fields into
// session payloads.
package feeder

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Record is one row of a data set, keyed by field name.
type Record map[string]string

// Supported data set formats.
const (
	KindCSV  = "csv"
	KindJSON = "json"
)

// ErrEmpty is returned when a data set file holds no records.
var ErrEmpty = errors.New("feeder: data set has no records")

// Dataset assigns records to sessions. Assignment is a pure function of the
// session id, so a rerun with the same file gives every session the same row.
// A Dataset is read-only after Load and safe for concurrent use.
type Dataset struct {
	records []Record
}

// Load reads the data set at path. kind is "csv" or "json"; when empty it is
// taken from the file extension.
func Load(path, kind string) (*Dataset, error) {
	if kind == "" {
		kind = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}

	var (
		records []Record
		err     error
	)
	switch strings.ToLower(kind) {
	case KindCSV:
		records, err = readCSV(path)
	case KindJSON:
		records, err = readJSON(path)
	default:
		return nil, fmt.Errorf("feeder: unsupported data set type %q", kind)
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	return &Dataset{records: records}, nil
}

// Record returns the row for a 1-based session id, wrapping round-robin once
// every row has been handed out. A nil Dataset yields a nil Record.
func (d *Dataset) Record(sessionID int) Record {
	if d == nil || len(d.records) == 0 {
		return nil
	}
	idx := (sessionID - 1) % len(d.records)
	if idx < 0 {
		idx += len(d.records)
	}
	return d.records[idx]
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.records)
}
