package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// Collectors register on the default registry, so a single Recorder is
// shared across tests.
var testRecorder = NewRecorder()

func TestRecorderCounters(t *testing.T) {
	testRecorder.ObserveIteration("story_accepted")
	testRecorder.ObserveIteration("story_accepted")
	testRecorder.ObserveIteration("tests_failed")
	testRecorder.ObserveStoryAccepted()
	testRecorder.ObserveTestRun(true)
	testRecorder.ObserveTestRun(false)
	testRecorder.ObserveInvocation("process", true, 5*time.Second)
	testRecorder.ObserveInvocation("process", false, time.Second)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(testRecorder.iterationsTotal.WithLabelValues("story_accepted")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(testRecorder.iterationsTotal.WithLabelValues("tests_failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(testRecorder.storiesAccepted))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(testRecorder.testRunsTotal.WithLabelValues("pass")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(testRecorder.invocationsTotal.WithLabelValues("process", "error")))
}
