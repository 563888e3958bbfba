package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedValues(t *testing.T) {
	t.Parallel()
	m := New()
	m.RaceStarted("claim", 1_000_000)
	m.Attempt("claim", "network_failure")
	m.Attempt("claim", "success")
	m.RaceFinished("claim", "won", 15*time.Millisecond)
	m.Backpressure("ledger")
	m.RegisterGauge("pool_leases", "Live pool leases.", func() float64 { return 7 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`racebot_races_started_total{kind="claim"} 1`,
		`racebot_attempts_total{kind="claim",result="success"} 1`,
		`racebot_races_finished_total{kind="claim",outcome="won"} 1`,
		`racebot_fee_bid_units{kind="claim"} 1e+06`,
		`racebot_flood_backpressure_total{endpoint="ledger"} 1`,
		`racebot_pool_leases 7`,
		`racebot_race_duration_seconds_count{kind="claim"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.RaceStarted("transfer", 1)
	m.RaceFinished("transfer", "exhausted", time.Second)
	m.Attempt("transfer", "api_failure")
	m.Backpressure("ledger")
	m.RateLimited("api")
	m.RegisterGauge("x", "y", func() float64 { return 0 })
}
