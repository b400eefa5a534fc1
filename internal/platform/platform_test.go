package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeMonotonicNeverGoesBackwards(t *testing.T) {
	d := Probe()
	first := d.Monotonic()
	time.Sleep(time.Millisecond)
	second := d.Monotonic()
	require.GreaterOrEqual(t, second, first)
}

func TestProbeRandomFillsBuffer(t *testing.T) {
	d := Probe()
	buf := make([]byte, 32)
	require.NoError(t, d.Random(buf))

	zero := make([]byte, 32)
	require.NotEqual(t, zero, buf)
}

func TestProbeNowIsRecent(t *testing.T) {
	d := Probe()
	require.WithinDuration(t, time.Now(), d.Now(), time.Second)
}
