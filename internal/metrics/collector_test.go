package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordOperationIncrementsCounter(t *testing.T) {
	c := NewCollector(Config{})
	c.RecordOperation("read_buf", 2*time.Millisecond, true)
	c.RecordOperation("read_buf", 3*time.Millisecond, false)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.operationTotal.WithLabelValues("read_buf", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.operationTotal.WithLabelValues("read_buf", "error")))
}

func TestSetPoolStats(t *testing.T) {
	c := NewCollector(Config{})
	c.SetPoolStats(3, 5, 8)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.poolActive))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.poolIdle))
	assert.Equal(t, float64(8), testutil.ToFloat64(c.poolMax))
}

func TestSetHealthState(t *testing.T) {
	c := NewCollector(Config{})
	c.SetHealthState(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.healthState))
}

func TestStartNoopWithoutListenAddress(t *testing.T) {
	c := NewCollector(Config{})
	assert.NoError(t, c.Start(nil))
}
