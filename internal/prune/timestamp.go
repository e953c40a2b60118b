package prune

import (
	"encoding/json"
	"math"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/prunebox/internal/recordstore"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e12

// CanonicalTime picks the record's timestamp: the receipt header, then the
// structured date, then now.
func CanonicalTime(c recordstore.TimestampCandidates, now time.Time) time.Time {
	if t, ok := parseReceived(c.ReceivedHeader); ok {
		return t
	}
	if t, ok := coerceDate(c.Date); ok {
		return t
	}
	return now
}

// parseReceived reads the date after the last ';' of a Received-style
// header.
func parseReceived(header string) (time.Time, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Time{}, false
	}
	if i := strings.LastIndex(header, ";"); i >= 0 {
		header = header[i+1:]
	}
	t, err := mail.ParseDate(strings.TrimSpace(header))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func coerceDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return d, !d.IsZero()
	case *time.Time:
		if d == nil {
			return time.Time{}, false
		}
		return *d, !d.IsZero()
	case int:
		return fromEpoch(float64(d))
	case int64:
		return fromEpoch(float64(d))
	case float64:
		return fromEpoch(d)
	case json.Number:
		f, err := d.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if t, err := mail.ParseDate(s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, false
	}
	if f >= epochMillisThreshold {
		return time.UnixMilli(int64(f)), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}
