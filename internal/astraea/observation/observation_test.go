package observation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransformStateAllZeroInput(t *testing.T) {
	ctx := NewFlowContext(1)
	window := ctx.FormatState(Telemetry{Cwnd: 10})

	want := [StateSize]float32{0.5, 2, 2, 0, 0, 0, 0, 0, 0, 0}
	assert.Equal(t, want, ctx.Current())

	// The window starts at all zeros; only the trailing StateSize slots hold
	// this observation.
	for i := 0; i < WindowSize-StateSize; i++ {
		assert.Zero(t, window[i])
	}
	for i := 0; i < StateSize; i++ {
		assert.Equal(t, want[i], window[WindowSize-StateSize+i])
	}
}

func TestSlidingWindowAfterFiveObservations(t *testing.T) {
	ctx := NewFlowContext(1)

	// Five distinct observations: varying max_tput makes feature (5) differ
	// per observation, so the positional assertions below are meaningful.
	var observed [RecurrentNum][StateSize]float32
	for i := 0; i < RecurrentNum; i++ {
		ctx.FormatState(Telemetry{Cwnd: 10, MaxTput: uint32((i + 1) * 1_000_000)})
		observed[i] = ctx.Current()
	}
	assert.NotEqual(t, observed[0], observed[RecurrentNum-1])

	final := ctx.State()
	for i := 0; i < StateSize; i++ {
		assert.Equal(t, observed[0][i], final[i], "oldest observation must occupy the window's head")
		assert.Equal(t, observed[RecurrentNum-1][i], final[WindowSize-StateSize+i], "latest observation must occupy the window's tail")
	}

	// A sixth observation evicts the first.
	ctx.FormatState(Telemetry{Cwnd: 10, MaxTput: 9_000_000})
	shifted := ctx.State()
	for i := 0; i < StateSize; i++ {
		assert.Equal(t, observed[1][i], shifted[i])
	}
}

func TestFeatureClampsAtTwo(t *testing.T) {
	ctx := NewFlowContext(1)
	ctx.FormatState(Telemetry{
		AvgThr:  100,
		AvgURTT: 1000,
		SRTTUs:  8000,
		MinRTT:  10,
		MaxTput: 5000,
		Cwnd:    100000,
	})

	cur := ctx.Current()
	for _, i := range []int{1, 2, 3, 8} {
		assert.LessOrEqual(t, cur[i], float32(2.0))
	}
	for _, v := range cur {
		assert.False(t, isNaNOrInf(v))
	}
}

func isNaNOrInf(f float32) bool {
	return f != f || f > 1e30 || f < -1e30
}

func TestMapAction(t *testing.T) {
	assert.Equal(t, 103, MapAction(1.0, 100))
	assert.Equal(t, 97, MapAction(-1.0, 100))
	assert.Equal(t, 100, MapAction(0.0, 100))
}

func TestMapActionIdentityAndMonotone(t *testing.T) {
	for _, c := range []float64{1, 100, 5000} {
		assert.Equal(t, int(c), MapAction(0, c))
	}

	low := MapAction(-1, 100)
	mid := MapAction(0, 100)
	high := MapAction(1, 100)
	assert.Less(t, low, mid)
	assert.Less(t, mid, high)
}

func TestStringDoesNotPanic(t *testing.T) {
	ctx := NewFlowContext(1)
	ctx.FormatState(Telemetry{Cwnd: 10})
	assert.NotEmpty(t, ctx.String())
}
