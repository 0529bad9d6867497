package usage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeNumericFields(t *testing.T) {
	total := Record{}
	Merge(total, Record{"characters": 120, "credits_used": 1.5})
	Merge(total, Record{"characters": 80, "credits_used": 0.5, "api_calls": 1})

	assert.InDelta(t, 200.0, total["characters"], 1e-9)
	assert.InDelta(t, 2.0, total["credits_used"], 1e-9)
	assert.InDelta(t, 1.0, total["api_calls"], 1e-9)
}

func TestMergeNumericTypes(t *testing.T) {
	total := Record{}
	Merge(total, Record{"n": int64(3)})
	Merge(total, Record{"n": float32(1.5)})
	Merge(total, Record{"n": json.Number("2")})

	assert.InDelta(t, 6.5, total["n"], 1e-6)
}

func TestMergeNonNumericFields(t *testing.T) {
	t.Run("dropped silently", func(t *testing.T) {
		total := Record{}
		Merge(total, Record{"tokens": 3, "model": "voice-large-v2"})
		assert.NotContains(t, total, "model")
		assert.InDelta(t, 3.0, total["tokens"], 1e-9)
	})

	t.Run("existing total values never overwritten", func(t *testing.T) {
		total := Record{"model": "voice-large-v2"}
		Merge(total, Record{"model": "voice-small-v1"})
		assert.Equal(t, "voice-large-v2", total["model"])
	})

	t.Run("malformed values never abort the merge", func(t *testing.T) {
		total := Record{}
		Merge(total, Record{"weird": []int{1, 2}, "characters": 10})
		assert.NotContains(t, total, "weird")
		assert.InDelta(t, 10.0, total["characters"], 1e-9)
	})
}

func TestMergeSessionWindow(t *testing.T) {
	total := Record{}
	Merge(total, Record{
		KeyStartTime: "2025-06-15T12:00:10Z",
		KeyEndTime:   "2025-06-15T12:00:20Z",
	})
	Merge(total, Record{
		KeyStartTime: "2025-06-15T12:00:05Z",
		KeyEndTime:   "2025-06-15T12:00:15Z",
	})

	assert.Equal(t, "2025-06-15T12:00:05Z", total[KeySessionStart])
	assert.Equal(t, "2025-06-15T12:00:20Z", total[KeySessionEnd])
	assert.NotContains(t, total, KeyStartTime)
	assert.NotContains(t, total, KeyEndTime)
}

func TestMergeNilAndEmpty(t *testing.T) {
	Merge(nil, Record{"n": 1})

	total := Record{"n": 1}
	Merge(total, nil)
	assert.Equal(t, Record{"n": 1}, total)
}

func TestStamp(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Second)

	rec := Record{"characters": 42}
	stamped := Stamp(rec, start, end)

	assert.Equal(t, "2025-06-15T12:00:00Z", stamped[KeyStartTime])
	assert.Equal(t, "2025-06-15T12:00:03Z", stamped[KeyEndTime])
	assert.Equal(t, 42, stamped["characters"])
	assert.NotContains(t, rec, KeyStartTime)
}

func TestMarshalTotal(t *testing.T) {
	t.Run("empty encodes as empty object", func(t *testing.T) {
		assert.JSONEq(t, `{}`, string(MarshalTotal(nil)))
		assert.JSONEq(t, `{}`, string(MarshalTotal(Record{})))
	})

	t.Run("round trip", func(t *testing.T) {
		encoded := MarshalTotal(Record{"characters": 200.0, "model": "voice-large-v2"})
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(encoded, &decoded))
		assert.Equal(t, 200.0, decoded["characters"])
		assert.Equal(t, "voice-large-v2", decoded["model"])
	})
}
