package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// CounterVec metrics only appear in Gather output once a label set
	// exists.
	SessionMessages.WithLabelValues("client.state")
	TokensIssued.WithLabelValues("morrigan.auth")
	TokenVerifications.WithLabelValues("success")
	HTTPRequests.WithLabelValues("200")
	LifecycleTransitions.WithLabelValues("ready")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"morrigan_sessions_active":             false,
		"morrigan_session_messages_total":      false,
		"morrigan_heartbeat_misses_total":      false,
		"morrigan_tokens_issued_total":         false,
		"morrigan_token_verifications_total":   false,
		"morrigan_http_requests_total":         false,
		"morrigan_instance_checkins_total":     false,
		"morrigan_lifecycle_transitions_total": false,
		"morrigan_maintenance_runs_total":      false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	SessionsActive.Set(3)
	InstanceCheckIns.Inc()
	MaintenanceRuns.Inc()

	path := filepath.Join(t.TempDir(), "morrigan.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	out := string(data)
	for _, want := range []string{"morrigan_sessions_active", "morrigan_instance_checkins_total"} {
		if !strings.Contains(out, want) {
			t.Errorf("snapshot missing %q", want)
		}
	}
	if strings.Contains(out, "go_goroutines") {
		t.Error("snapshot should only carry morrigan_ metrics")
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}
