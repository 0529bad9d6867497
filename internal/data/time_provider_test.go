package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/clipforge/taskd/internal/testutil"
)

func TestFixedTimeProvider(t *testing.T) {
	tp := NewFixedTimeProvider(testutil.TestTime())
	assert.Equal(t, testutil.TestTime(), tp.Now())
	assert.Equal(t, tp.Now(), tp.Now())

	tp.Advance(90 * time.Second)
	assert.Equal(t, testutil.TestTime().Add(90*time.Second), tp.Now())
}

func TestRealTimeProvider(t *testing.T) {
	tp := &RealTimeProvider{}
	assert.WithinDuration(t, time.Now(), tp.Now(), time.Second)
}

func TestNotifyChannel(t *testing.T) {
	assert.Equal(t, "jobs_ready", notifyChannel(""))
	assert.Equal(t, "jobs_ready_tenant-1", notifyChannel("tenant-1"))
}
