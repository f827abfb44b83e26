package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/upgradejob/pkg/version"
)

func gatheredNames(t *testing.T, g prometheus.Gatherer) map[string]bool {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()

	if registry == nil {
		t.Fatal("NewRegistry returned nil")
	}
	if registry.registry == nil {
		t.Fatal("registry.registry is nil")
	}
}

func TestRegistry_GoRuntimeMetricsGathered(t *testing.T) {
	names := gatheredNames(t, NewRegistry().Gatherer())

	for _, metric := range []string{"go_goroutines", "go_gc_duration_seconds"} {
		if !names[metric] {
			t.Errorf("expected Go runtime metric %s to be gathered", metric)
		}
	}
}

func TestRegistry_RegisterCustomMetric(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_registry_custom_total",
		Help: "A test custom counter",
	})
	if err := registry.Register(counter); err != nil {
		t.Fatalf("failed to register custom metric: %v", err)
	}
	counter.Inc()

	if !gatheredNames(t, registry.Gatherer())["test_registry_custom_total"] {
		t.Error("expected custom metric to be gathered")
	}
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	registry := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_registry_duplicate_total",
		Help: "duplicate",
	})
	registry.MustRegister(counter)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected MustRegister to panic on duplicate registration")
		}
	}()
	registry.MustRegister(counter)
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_registry_unregister_total",
		Help: "unregister",
	})
	registry.MustRegister(counter)

	if !registry.Unregister(counter) {
		t.Fatal("expected Unregister to return true")
	}
	if registry.Unregister(counter) {
		t.Fatal("expected second Unregister to return false")
	}
	if gatheredNames(t, registry.Gatherer())["test_registry_unregister_total"] {
		t.Error("expected unregistered metric to be gone")
	}
}

func TestRegistry_MultipleInstances(t *testing.T) {
	first := NewRegistry()
	second := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_registry_instance_total",
		Help: "instance",
	})
	first.MustRegister(counter)

	if gatheredNames(t, second.Gatherer())["test_registry_instance_total"] {
		t.Error("expected registries to be isolated")
	}
}

func TestNewBuildInfoCollector(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(NewBuildInfoCollector(version.Info{
		Service: "upgradejob",
		Version: "v1.2.3",
		Commit:  "abc123",
	}))

	families, err := registry.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "upgradejob_build_info" {
			continue
		}
		metric := mf.GetMetric()[0]
		if metric.GetGauge().GetValue() != 1 {
			t.Fatalf("expected build info value 1, got %v", metric.GetGauge().GetValue())
		}
		labels := map[string]string{}
		for _, lp := range metric.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["version"] != "v1.2.3" || labels["commit"] != "abc123" {
			t.Fatalf("unexpected labels %v", labels)
		}
		return
	}
	t.Fatal("build info metric not gathered")
}

func TestRegistry_GatherIncludesHelp(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_registry_help_gauge",
		Help: "gauge with help",
	}))
	families, err := registry.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "test_registry_help_gauge" && !strings.Contains(mf.GetHelp(), "help") {
			t.Fatalf("unexpected help %q", mf.GetHelp())
		}
	}
}
