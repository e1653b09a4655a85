package metrics

import (
	"io"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
)

func render(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestRegistry_SameNameReturnsSameCounter(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("test_total", "help")
	b := r.Counter("test_total", "help")
	a.Inc()
	b.Inc()
	if a != b || a.Value() != 2 {
		t.Fatalf("expected a single counter with value 2, got %d", a.Value())
	}
}

func TestRegistry_ShapeMismatchPanics(t *testing.T) {
	r := NewRegistry()
	r.Counter("dup", "help")
	defer func() {
		if recover() == nil {
			t.Fatal("registering a counter name as a gauge should panic")
		}
	}()
	r.Gauge("dup", "help")
}

func TestGauge_UpDown(t *testing.T) {
	g := NewRegistry().Gauge("in_flight", "help")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Fatalf("expected 1, got %d", g.Value())
	}
}

func TestHandler_RendersPrometheusText(t *testing.T) {
	r := NewRegistry()
	fwd := r.Counter("forwards_total", "Forwards")
	for i := 0; i < 5; i++ {
		fwd.Inc()
	}
	failures := r.CounterVec("failures_total", "Failures", "kind")
	failures.With("transport").Inc()
	failures.With("server").Inc()
	failures.With("server").Inc()
	h := r.Histogram("latency_seconds", "Latency", []float64{5, 1, math.Inf(1)})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(12)

	out := render(t, r)
	for _, want := range []string{
		"navigatorbot_uptime_seconds",
		"# TYPE forwards_total counter",
		"forwards_total 5",
		`failures_total{kind="server"} 2`,
		`failures_total{kind="transport"} 1`,
		"# TYPE latency_seconds histogram",
		`latency_seconds_bucket{le="1"} 1`,
		`latency_seconds_bucket{le="5"} 2`,
		`latency_seconds_bucket{le="+Inf"} 3`,
		"latency_seconds_count 3",
		"latency_seconds_sum 15.5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
	if strings.Count(out, "# TYPE failures_total") != 1 {
		t.Errorf("labelled family should have one TYPE line:\n%s", out)
	}
	if strings.Index(out, "failures_total") > strings.Index(out, "forwards_total") {
		t.Errorf("families should render in name order:\n%s", out)
	}
	if strings.Index(out, `kind="server"`) > strings.Index(out, `kind="transport"`) {
		t.Errorf("series should render in label order:\n%s", out)
	}
}

func TestForwardFailures_LabelsByKind(t *testing.T) {
	before := ForwardFailures.With("transport").Value()
	ForwardFailures.With("transport").Inc()
	if got := ForwardFailures.With("transport").Value(); got != before+1 {
		t.Fatalf("expected %d, got %d", before+1, got)
	}
	if !strings.Contains(render(t, Default), `navigatorbot_forward_failures_total{kind="transport"}`) {
		t.Error("default registry should expose forward failures")
	}
}
