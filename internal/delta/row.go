package delta

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/enrollsync/internal/model"
)

// Row is one selected source row, keyed by column name.
// NULL columns are present with a nil value.
type Row map[string]any

// Has reports whether the column holds a non-empty value.
func (r Row) Has(col string) bool {
	return r.String(col) != ""
}

// String returns the column as trimmed text, or "" when NULL or absent.
// Time values are rendered in model.StorageLayout.
func (r Row) String(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []byte:
		return strings.TrimSpace(string(val))
	case time.Time:
		return model.FormatStorageTime(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// First returns the first non-empty column among cols.
func (r Row) First(cols ...string) string {
	for _, c := range cols {
		if s := r.String(c); s != "" {
			return s
		}
	}
	return ""
}

// Time returns the column as a timestamp. ok is false when the column is
// NULL or absent. A value that does not parse yields model.MinTime.
func (r Row) Time(col string) (t time.Time, ok bool) {
	v, present := r[col]
	if !present || v == nil {
		return time.Time{}, false
	}
	if tv, isTime := v.(time.Time); isTime {
		return tv.UTC(), true
	}
	s := r.String(col)
	if s == "" {
		return time.Time{}, false
	}
	return model.ParseStorageTime(s), true
}
