// Package usage accumulates numeric usage counters (token counts, call
// counts, elapsed time, monetary cost) across any number of external-service
// calls into one session total.
package usage

import (
	"encoding/json"
	"time"
)

// Timestamp keys carried on individual increments and the corresponding
// session-level keys tracked on the total.
const (
	KeyStartTime    = "start_time_utc"
	KeyEndTime      = "end_time_utc"
	KeySessionStart = "session_start_time"
	KeySessionEnd   = "session_end_time"
	KeyAttemptCount = "attempt_count"
)

// Record is a mapping of named counters produced by one external call or
// aggregated across many. Values are numeric except for the RFC 3339
// timestamp keys above; only numeric fields survive aggregation.
type Record map[string]any

// Merge adds every numeric field of inc into total, creating fields that are
// absent, and tracks the earliest start and latest end timestamp seen across
// all increments. Non-numeric and malformed fields are dropped silently:
// usage aggregation must never abort a job. Merge performs no deduplication;
// callers must not double-merge.
func Merge(total, inc Record) {
	if total == nil || len(inc) == 0 {
		return
	}
	for key, value := range inc {
		if key == KeyStartTime || key == KeyEndTime {
			continue
		}
		n, ok := asFloat(value)
		if !ok {
			continue
		}
		existing, _ := asFloat(total[key])
		total[key] = existing + n
	}
	mergeSessionBound(total, inc, KeyStartTime, KeySessionStart, func(candidate, current string) bool {
		return candidate < current
	})
	mergeSessionBound(total, inc, KeyEndTime, KeySessionEnd, func(candidate, current string) bool {
		return candidate > current
	})
}

// mergeSessionBound updates total[sessionKey] with inc[incKey] when the
// increment extends the session window. RFC 3339 strings compare lexically in
// chronological order.
func mergeSessionBound(total, inc Record, incKey, sessionKey string, better func(candidate, current string) bool) {
	candidate, ok := inc[incKey].(string)
	if !ok || candidate == "" {
		return
	}
	current, ok := total[sessionKey].(string)
	if !ok || current == "" || better(candidate, current) {
		total[sessionKey] = candidate
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Stamp returns a copy of rec carrying start/end timestamps for the call it
// describes, suitable for later session-bound tracking by Merge.
func Stamp(rec Record, start, end time.Time) Record {
	out := make(Record, len(rec)+2)
	for k, v := range rec {
		out[k] = v
	}
	out[KeyStartTime] = start.UTC().Format(time.RFC3339Nano)
	out[KeyEndTime] = end.UTC().Format(time.RFC3339Nano)
	return out
}

// MarshalTotal encodes an aggregated record for persistence on the job row.
// A nil or empty total encodes as an empty JSON object.
func MarshalTotal(total Record) json.RawMessage {
	if len(total) == 0 {
		return json.RawMessage(`{}`)
	}
	encoded, err := json.Marshal(total)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}
