package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ppiankov/factorcanon/internal/converge"
	"github.com/ppiankov/factorcanon/internal/labels"
	"github.com/ppiankov/factorcanon/internal/materialize"
	"github.com/ppiankov/factorcanon/internal/metrics"
	"github.com/ppiankov/factorcanon/internal/model"
	"github.com/ppiankov/factorcanon/internal/oracle"
	"github.com/ppiankov/factorcanon/internal/store/memstore"
)

type stubOracle struct {
	table   map[string]string
	timeout map[string]bool
}

func (o *stubOracle) Source() string { return "stub/v1" }

func (o *stubOracle) Classify(ctx context.Context, req oracle.Request) (map[string]oracle.Assignment, error) {
	out := make(map[string]oracle.Assignment)
	for _, l := range req.Labels {
		if o.timeout[l.Key] {
			return nil, &oracle.TimeoutError{After: time.Second}
		}
		if g, ok := o.table[l.Key]; ok {
			out[l.Key] = oracle.Assignment{Label: l.Display, Key: l.Key, Group: g}
		}
	}
	return out, nil
}

func stub(pairs ...string) *stubOracle {
	o := &stubOracle{table: make(map[string]string), timeout: make(map[string]bool)}
	for i := 0; i+1 < len(pairs); i += 2 {
		o.table[labels.Key(pairs[i])] = pairs[i+1]
	}
	return o
}

func writeInput(t *testing.T, dir, name string, rows ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	body := "factor,outcome,citation\n" + strings.Join(rows, "\n") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func testConfig(dir string) *model.Config {
	cfg := model.DefaultConfig()
	cfg.Oracle.MaxBatchSize = 2
	cfg.Oracle.StallLimit = 2
	cfg.Oracle.SeedSize = 0
	cfg.Oracle.RequestsPerSecond = 0
	cfg.Output.Dir = filepath.Join(dir, "out")
	return cfg
}

func TestRun_WorkedExample(t *testing.T) {
	dir := t.TempDir()
	inputs := []string{
		writeInput(t, dir, "stress_positive.csv",
			"GreenSpace,stress,Smith 2020",
			"Green area,stress,Jones 2019",
			"traffic noise,stress,Lee 2021"),
		writeInput(t, dir, "stress_negative.csv",
			"Park,stress,Brown 2018"),
	}
	o := stub("GreenSpace", "GreenSpace", "Green area", "GreenSpace", "Park", "GreenSpace", "traffic noise", "TrafficNoise")

	cfg := testConfig(dir)
	cfg.Output.MetricsFile = "factorcanon.prom"
	st := memstore.New()
	p := NewPipeline(cfg, st, Options{Oracle: o, Metrics: metrics.New()})

	report, err := p.Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Records != 4 || report.Labels != 4 || report.Groups != 2 || report.Mapped != 4 {
		t.Errorf("unexpected report: %+v", report)
	}
	if report.Converge.StopReason != converge.StopConverged {
		t.Errorf("stop reason = %s", report.Converge.StopReason)
	}

	master := readRows(t, filepath.Join(cfg.Output.Dir, materialize.MasterFile))
	if len(master) != 3 {
		t.Fatalf("master table has %d rows, want header + 2", len(master))
	}
	if master[1][0] != "GreenSpace" || master[2][0] != "TrafficNoise" {
		t.Errorf("unexpected master groups: %v, %v", master[1][0], master[2][0])
	}

	green := readRows(t, filepath.Join(cfg.Output.Dir, materialize.GroupsDir, "greenspace.csv"))
	if len(green) != 4 {
		t.Errorf("GreenSpace table has %d rows, want header + 3", len(green))
	}

	if _, err := os.Stat(filepath.Join(cfg.Output.Dir, "factorcanon.prom")); err != nil {
		t.Errorf("metrics file not written: %v", err)
	}

	// A second run against the same store is a no-op for the mapping
	again, err := p.Run(context.Background(), inputs)
	if err != nil {
		t.Fatal(err)
	}
	if again.Converge.Passes != 0 || again.Mapped != 4 {
		t.Errorf("re-run should not touch the mapping: %+v", again.Converge)
	}
}

func TestRun_TimeoutExcludedFromTables(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "mood_positive.csv",
		"GreenSpace,mood,A",
		"Park,mood,B",
		"dim lighting,mood,C",
		"crowding,mood,D")
	o := stub("GreenSpace", "GreenSpace", "Park", "GreenSpace", "crowding", "Crowding")
	o.timeout[labels.Key("dim lighting")] = true

	// default oracle settings, so the timeout first hits the seed batch
	cfg := testConfig(dir)
	cfg.Oracle = model.DefaultConfig().Oracle
	cfg.Oracle.RequestsPerSecond = 0
	p := NewPipeline(cfg, memstore.New(), Options{Oracle: o})

	report, err := p.Run(context.Background(), []string{input})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	w := report.Converge.Warning
	if w == nil {
		t.Fatal("expected an unresolved warning")
	}
	if diff := cmp.Diff([]string{"dim lighting"}, w.Labels); diff != "" {
		t.Errorf("unresolved mismatch (-want +got):\n%s", diff)
	}
	if report.Materialize.UnmappedRecords != 1 {
		t.Errorf("unmapped records = %d, want 1", report.Materialize.UnmappedRecords)
	}

	for _, f := range report.Materialize.Files {
		if !strings.HasSuffix(f, ".csv") {
			continue
		}
		for _, row := range readRows(t, f) {
			for _, cell := range row {
				if cell == "dim lighting" {
					t.Errorf("%s contains the unresolved label", filepath.Base(f))
				}
			}
		}
	}
}

func TestRun_RequireFullResolutionStillWritesTables(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "x_positive.csv", "crowding,mood,A", "mystery,mood,B")

	cfg := testConfig(dir)
	cfg.Oracle.RequireFullResolution = true
	p := NewPipeline(cfg, memstore.New(), Options{Oracle: stub("crowding", "Crowding")})

	report, err := p.Run(context.Background(), []string{input})
	if !errors.Is(err, converge.ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
	if report == nil || report.Materialize == nil || report.Materialize.Groups != 1 {
		t.Errorf("tables should still be written: %+v", report)
	}
}

func TestMaterialize_FromStore(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "x_positive.csv", "crowding,mood,A", "queue,mood,B")
	cfg := testConfig(dir)
	st := memstore.New()

	p := NewPipeline(cfg, st, Options{Oracle: stub("crowding", "Crowding", "queue", "Crowding")})
	recs, err := p.LoadRecords([]string{input})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Canonicalize(context.Background(), recs); err != nil {
		t.Fatal(err)
	}

	// A pipeline without an oracle can still materialize the stored mapping
	q := NewPipeline(cfg, st, Options{})
	sum, err := q.Materialize(context.Background(), recs)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Groups != 1 || sum.MappedRecords != 2 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if _, _, err := q.Canonicalize(context.Background(), recs); err == nil {
		t.Error("expected canonicalize without an oracle to fail")
	}
}

func TestNewOracle_WrapsCache(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.LLM.Provider = "ollama"
	cfg.LLM.Model = "llama3"
	cfg.Cache.Dir = t.TempDir()

	o, err := NewOracle(cfg, nil)
	if err != nil {
		t.Fatalf("NewOracle: %v", err)
	}
	if _, ok := o.(*oracle.CachedOracle); !ok {
		t.Errorf("expected a cached oracle, got %T", o)
	}
	if o.Source() != "ollama/llama3" {
		t.Errorf("source = %q", o.Source())
	}

	cfg.Cache.Enabled = false
	o, err = NewOracle(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := o.(*oracle.LLMOracle); !ok {
		t.Errorf("expected a bare LLM oracle, got %T", o)
	}

	cfg.LLM.Provider = "nope"
	if _, err := NewOracle(cfg, nil); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	RenderSummary(&buf, &Report{
		Inputs:  []string{"a.csv"},
		Records: 4,
		Labels:  4,
		Converge: &converge.Result{
			RunID:      "01J0000000000000000000TEST",
			Passes:     3,
			StopReason: converge.StopStalled,
			Unresolved: []string{"dim lighting"},
		},
	})
	out := buf.String()
	for _, want := range []string{"01J0000000000000000000TEST", "stalled", "Unresolved labels (1): dim lighting"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
