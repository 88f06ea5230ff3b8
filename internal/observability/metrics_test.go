package observability

import (
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, name string) (float64, bool) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue(), true
		}
	}
	return 0, false
}

func TestRegisterDeviceQueueDepth(t *testing.T) {
	var depth atomic.Int64
	RegisterDeviceQueueDepth(depth.Load)
	// A second registration is ignored instead of panicking.
	RegisterDeviceQueueDepth(func() int64 { return -1 })

	depth.Store(3)
	v, ok := gaugeValue(t, "speech_gateway_device_queue_depth")
	require.True(t, ok)
	assert.Equal(t, 3.0, v)

	depth.Store(0)
	v, _ = gaugeValue(t, "speech_gateway_device_queue_depth")
	assert.Zero(t, v)
}
