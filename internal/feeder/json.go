package feeder

import (
	"fmt"
	"os"

	"github.com/tidwall/gjson"
)

// readJSON expects a top-level array of objects. Scalar fields keep their
// literal text; nested values are carried as raw JSON.
func readJSON(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open JSON file: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode JSON: invalid document")
	}

	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("decode JSON: expected an array of objects")
	}

	var (
		records []Record
		bad     error
	)
	root.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			bad = fmt.Errorf("record %d is not an object", len(records))
			return false
		}
		record := make(Record)
		item.ForEach(func(key, value gjson.Result) bool {
			if value.IsObject() || value.IsArray() {
				record[key.String()] = value.Raw
			} else {
				record[key.String()] = value.String()
			}
			return true
		})
		if len(record) == 0 {
			bad = fmt.Errorf("record %d is empty", len(records))
			return false
		}
		records = append(records, record)
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return records, nil
}
