package device

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestRunDeviceRejectsSampleInterval(t *testing.T) {
	saved := devCfg
	t.Cleanup(func() { devCfg = saved })

	for _, i := range []time.Duration{0, -time.Second} {
		devCfg.SampleInterval = i
		err := runDevice(context.Background(), "start", nil)
		assert.ErrorContains(t, err, "sample-interval must be positive")
	}
}
