package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, c *Collectors) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func assertContains(t *testing.T, body string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Fatalf("metrics output missing %q:\n%s", w, body)
		}
	}
}

func TestWorkerLifecycle(t *testing.T) {
	c := New()
	c.WorkerStarted(3)
	c.WorkerStarted(4)
	c.WorkerExited(3, time.Second, true)

	assertContains(t, scrape(t, c),
		"aufhsm_workers_in_progress 1",
		`aufhsm_workers_spawned_total{brid="4"} 1`,
		`aufhsm_worker_failures_total{brid="3"} 1`,
		"aufhsm_pass_duration_seconds_count 1",
	)
}

func TestNilCollectorsIgnored(t *testing.T) {
	var c *Collectors
	c.Notified()
	c.Breached(1)
	c.WorkerStarted(1)
	c.WorkerExited(1, time.Second, false)
	c.Reloaded("message")
}

func TestHandlerExposesCounters(t *testing.T) {
	c := New()
	c.Notified()
	c.Breached(2)
	c.Reloaded("udev")

	assertContains(t, scrape(t, c),
		"aufhsm_notifications_total 1",
		`aufhsm_breaches_total{brid="2"} 1`,
		`aufhsm_reloads_total{trigger="udev"} 1`,
	)
}
