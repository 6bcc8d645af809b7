package observability

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	jobmetrics "github.com/odyssey-erp/odyssey-tax/internal/jobs"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertFile struct {
	Groups []struct {
		Name  string      `yaml:"name"`
		Rules []alertRule `yaml:"rules"`
	} `yaml:"groups"`
}

var (
	metricRef = regexp.MustCompile(`odyssey_[a-z_]+`)
	labelRef  = regexp.MustCompile(`\$labels\.([a-z_]+)`)
)

func taxAlertRules(t *testing.T) []alertRule {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "deploy", "prometheus", "alerts", "tax.yml"))
	if err != nil {
		t.Fatalf("read alert file: %v", err)
	}
	var file alertFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		t.Fatalf("unmarshal alert file: %v", err)
	}
	for _, g := range file.Groups {
		if g.Name == "tax" {
			return g.Rules
		}
	}
	t.Fatal("tax alert group missing")
	return nil
}

// registeredLabels exercises every collector once and returns the label
// names of each exposed metric family.
func registeredLabels(t *testing.T) map[string]map[string]bool {
	t.Helper()
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("closing:generate").End(nil)
	jobs.AddClosingMoves(1, 1)
	jobs.AddBucketFailures(1, 1)
	jobs.AddMirrorMove()
	metrics.ObserveReport("1", true, time.Millisecond)
	metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	families, err := metrics.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]map[string]bool)
	for _, mf := range families {
		labels := make(map[string]bool)
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = true
			}
		}
		out[mf.GetName()] = labels
	}
	return out
}

func TestTaxAlertRules(t *testing.T) {
	rules := taxAlertRules(t)
	expected := map[string]string{
		"HighErrorRate":         "critical",
		"SlowTaxReport":         "warning",
		"ClosingBucketFailures": "critical",
	}
	if len(rules) != len(expected) {
		t.Fatalf("expected %d rules, got %d", len(expected), len(rules))
	}

	runbook, err := os.ReadFile(filepath.Join("..", "..", "docs", "runbook-tax.md"))
	if err != nil {
		t.Fatalf("read runbook: %v", err)
	}
	for _, rule := range rules {
		severity, ok := expected[rule.Alert]
		if !ok {
			t.Fatalf("unexpected rule %q", rule.Alert)
		}
		if rule.Labels["severity"] != severity {
			t.Fatalf("rule %s severity = %q, want %q", rule.Alert, rule.Labels["severity"], severity)
		}
		if _, err := time.ParseDuration(rule.For); err != nil {
			t.Fatalf("rule %s hold duration %q: %v", rule.Alert, rule.For, err)
		}
		// runbook anchors follow the markdown heading slugs
		anchor := strings.TrimPrefix(rule.Annotations["runbook"], "docs/runbook-tax.md#")
		heading := "## " + strings.ToUpper(anchor[:1]) + strings.ReplaceAll(anchor[1:], "-", " ")
		if !strings.Contains(string(runbook), heading+"\n") {
			t.Fatalf("rule %s points to missing runbook section %q", rule.Alert, heading)
		}
	}
}

func TestAlertRulesReferenceRegisteredMetrics(t *testing.T) {
	registered := registeredLabels(t)
	for _, rule := range taxAlertRules(t) {
		refs := metricRef.FindAllString(rule.Expr, -1)
		if len(refs) == 0 {
			t.Fatalf("rule %s references no service metric", rule.Alert)
		}
		labels := make(map[string]bool)
		for _, ref := range refs {
			name := ref
			if _, ok := registered[name]; !ok {
				for _, suffix := range []string{"_bucket", "_sum", "_count"} {
					name = strings.TrimSuffix(name, suffix)
				}
			}
			known, ok := registered[name]
			if !ok {
				t.Fatalf("rule %s references unregistered metric %s", rule.Alert, ref)
			}
			for l := range known {
				labels[l] = true
			}
		}
		for _, m := range labelRef.FindAllStringSubmatch(rule.Annotations["description"], -1) {
			if !labels[m[1]] {
				t.Fatalf("rule %s describes label %q that its metrics do not carry", rule.Alert, m[1])
			}
		}
	}
}
