package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDelayDefaultsToSafetyWindow(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := queueDelay(-1, 5*time.Minute, 15*time.Minute)
		assert.GreaterOrEqual(t, d, 5*time.Minute)
		assert.LessOrEqual(t, d, 15*time.Minute)
	}
	assert.Equal(t, time.Duration(0), queueDelay(0, 5*time.Minute, 15*time.Minute))
	assert.Equal(t, time.Hour, queueDelay(time.Hour, 5*time.Minute, 15*time.Minute))
}

func TestFilterFlagParsesPairs(t *testing.T) {
	f := filterFlag{}
	require.NoError(t, f.Set("title = Engineer"))
	assert.Equal(t, "Engineer", f["title"])
	assert.Error(t, f.Set("no-equals"))
}
