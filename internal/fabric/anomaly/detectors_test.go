package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatSeriesWithSpike(n int, spikeAt int, spike float64) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = 10 + 0.1*float64(i%5)
	}
	values[spikeAt] = spike
	return values
}

func TestZScoreFlagsSpike(t *testing.T) {
	d := NewDetector(DefaultConfig())
	values := flatSeriesWithSpike(50, 30, 100)

	found, err := d.Detect("cpu", values, DetectorZScore)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, 30, found[0].Index)
	assert.Equal(t, DetectorZScore, found[0].Detector)
	assert.Greater(t, found[0].Score, 3.0)
}

func TestSeverityClassification(t *testing.T) {
	cases := []struct {
		score float64
		want  Severity
	}{
		{2.1, SeverityLow},
		{3.2, SeverityMedium},
		{4.5, SeverityHigh},
		{7.0, SeverityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(tc.score))
	}
}

func TestConfidenceClamped(t *testing.T) {
	a := mkAnomaly(0, 0, 25.0, DetectorZScore)
	assert.Equal(t, 1.0, a.Confidence)
	b := mkAnomaly(0, 0, 2.5, DetectorZScore)
	assert.InDelta(t, 0.5, b.Confidence, 1e-9)
}

func TestIQRFlagsOutlier(t *testing.T) {
	d := NewDetector(DefaultConfig())
	values := flatSeriesWithSpike(40, 20, -50)

	found, err := d.Detect("mem", values, DetectorIQR)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, 20, found[0].Index)
}

func TestIsolationFallbackContract(t *testing.T) {
	d := NewDetector(DefaultConfig())
	values := flatSeriesWithSpike(200, 100, 1000)

	found, err := d.Detect("net", values, DetectorIsolationForest)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	for _, a := range found {
		assert.GreaterOrEqual(t, a.Index, 0)
		assert.Less(t, a.Index, len(values))
		assert.GreaterOrEqual(t, a.Confidence, 0.0)
		assert.LessOrEqual(t, a.Confidence, 1.0)
	}
}

func TestEnsembleMajorityVote(t *testing.T) {
	d := NewDetector(DefaultConfig())
	values := flatSeriesWithSpike(60, 40, 500)

	found, err := d.Detect("disk", values, DetectorEnsemble)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, 40, found[0].Index)
	assert.Equal(t, DetectorEnsemble, found[0].Detector)
}

func TestAutoTrainOnDetect(t *testing.T) {
	d := NewDetector(DefaultConfig())
	assert.False(t, d.Trained("fresh"))

	_, err := d.Detect("fresh", flatSeriesWithSpike(30, 10, 99), DetectorZScore)
	require.NoError(t, err)
	assert.True(t, d.Trained("fresh"))
}

func TestTooFewSamples(t *testing.T) {
	d := NewDetector(DefaultConfig())
	found, err := d.Detect("tiny", []float64{1, 2, 3}, DetectorZScore)
	require.NoError(t, err)
	assert.Empty(t, found)

	err = d.Train("tiny", []float64{1, 2, 3})
	assert.Error(t, err)
}

func TestConstantSeriesNoAnomalies(t *testing.T) {
	d := NewDetector(DefaultConfig())
	values := make([]float64, 40)
	for i := range values {
		values[i] = 5
	}
	found, err := d.Detect("flat", values, DetectorEnsemble)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestUnknownDetector(t *testing.T) {
	d := NewDetector(DefaultConfig())
	_, err := d.Detect("x", flatSeriesWithSpike(30, 5, 50), DetectorType("quantum"))
	assert.Error(t, err)
}
