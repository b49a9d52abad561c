package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"deskcron/internal/core"
)

func TestObserveRun(t *testing.T) {
	c := New()
	c.ObserveRun(core.ExecutionLog{Result: core.ExecutionResult{Success: true}, Duration: core.Duration(2 * time.Second)})
	c.ObserveRun(core.ExecutionLog{Result: core.ExecutionResult{Success: false}, RetryCount: 3})

	if got := testutil.ToFloat64(c.runs.WithLabelValues("success")); got != 1 {
		t.Fatalf("success runs = %v", got)
	}
	if got := testutil.ToFloat64(c.runs.WithLabelValues("failure")); got != 1 {
		t.Fatalf("failed runs = %v", got)
	}
	if got := testutil.ToFloat64(c.retries); got != 3 {
		t.Fatalf("retries = %v", got)
	}
}

func TestObserveTick(t *testing.T) {
	c := New()
	c.ObserveTick(core.TickReport{Due: 3, Dispatched: 2, Gated: 1}, time.Millisecond)
	c.ObserveTick(core.TickReport{Err: errors.New("db locked")}, time.Millisecond)

	if got := testutil.ToFloat64(c.ticks); got != 2 {
		t.Fatalf("ticks = %v", got)
	}
	if got := testutil.ToFloat64(c.tickTasks.WithLabelValues("dispatched")); got != 2 {
		t.Fatalf("dispatched = %v", got)
	}
	if got := testutil.ToFloat64(c.tickErrors); got != 1 {
		t.Fatalf("tick errors = %v", got)
	}
}

func TestHandlerExposesSchedulerGauges(t *testing.T) {
	c := New()
	c.WatchScheduler(func() core.Stats { return core.Stats{Queued: 4, Paused: true} })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"deskcron_queued_runs 4", "deskcron_paused 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
