package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestStubSpawnsIncrements(t *testing.T) {
	before := counterValue(t, StubSpawns)
	StubSpawns.Inc()
	require.Equal(t, before+1, counterValue(t, StubSpawns))
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	require.NotPanics(t, func() {
		_ = Handler()
	})
}
