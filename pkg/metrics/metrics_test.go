package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.CasesTotal.Add(3)
	m.JobsSubmitted.WithLabelValues("SLURM").Inc()
	m.TransferRetries.Inc()

	assert.Equal(t, float64(3), testutil.ToFloat64(m.CasesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsSubmitted.WithLabelValues("SLURM")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransferRetries))
}

func TestObserveStepRecordsDuration(t *testing.T) {
	m := New()
	m.ObserveStep("upload_files", 150*time.Millisecond)
	count := testutil.CollectAndCount(m.StepDuration)
	assert.Equal(t, 1, count)
}

func TestJobStateGaugeSetsValue(t *testing.T) {
	m := New()
	m.JobStateGauge.WithLabelValues("running").Set(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.JobStateGauge.WithLabelValues("running")))
}
