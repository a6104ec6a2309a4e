package driver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{ *strings.Builder }

func (nopCloser) Close() error { return nil }

func TestPerfLogWriterWritesHeaderOnce(t *testing.T) {
	var sb strings.Builder
	w := NewPerfLogWriter(nopCloser{&sb})

	require.NoError(t, w.Write(PerfLogRow{MinRTT: 1, Cnt: 1}))
	require.NoError(t, w.Write(PerfLogRow{MinRTT: 2, Cnt: 2}))

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "min_rtt\tavg_urtt\tcnt\tsrtt_us\tavg_thr\tthr_cnt\tpacing_rate\tloss_bytes\tpackets_out\tretrans_out\tmax_packets_out\tcwnd_kernel\tcwnd_assigned", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1\t"))
	assert.True(t, strings.HasPrefix(lines[2], "2\t"))
}
