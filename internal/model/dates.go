package model

import (
	"strings"
	"time"
)

// Layouts used for persistence and for the remote wire format.
const (
	StorageLayout  = "2006-01-02 15:04:05"
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02T15:04:05"
)

// MinTime is the beginning-of-time sentinel. It is the value of an absent
// watermark and the result of a date that fails to parse.
var MinTime = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// AttributeType describes the value type of a remote attribute or data element.
type AttributeType string

const (
	AttributeDate     AttributeType = "date"
	AttributeDateTime AttributeType = "datetime"
)

// ParseStorageTime parses a value written in StorageLayout. A bare date is
// accepted as midnight. Anything else yields MinTime; callers must not treat
// MinTime as real data.
func ParseStorageTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(StorageLayout, s, time.UTC); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(DateLayout, s, time.UTC); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return MinTime
}

// FormatStorageTime formats t in StorageLayout.
func FormatStorageTime(t time.Time) string {
	return t.UTC().Format(StorageLayout)
}

// FormatRemote formats t for an attribute of the given type.
func FormatRemote(t time.Time, typ AttributeType) string {
	if typ == AttributeDateTime {
		return t.UTC().Format(DateTimeLayout)
	}
	return t.UTC().Format(DateLayout)
}

func normalizeStatus(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
