package materialize

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ppiankov/factorcanon/internal/canon"
	"github.com/ppiankov/factorcanon/internal/model"
)

func writeGroupTable(path string, t *groupTable) error {
	rows := make([][]string, 0, len(t.records))
	for _, r := range t.records {
		rows = append(rows, []string{
			t.group.Name, r.Factor, r.OutcomeRaw, r.OutcomeNormalized, string(r.Direction),
			r.SourceID, r.Title, r.Citation, r.DOI, r.Notes, r.Bin, strconv.Itoa(r.Row),
		})
	}
	return writeCSV(path, recordHeader, rows)
}

func writeMaster(path string, tables []*groupTable) error {
	header := []string{
		"group", "member_labels", "records", "positive", "negative", "outcomes",
		"first_citation", "first_title", "first_source_id",
	}
	rows := make([][]string, 0, len(tables))
	for _, t := range tables {
		var pos, neg int
		outcomes := make(map[string]bool)
		for _, r := range t.records {
			switch r.Direction {
			case model.DirectionPositive:
				pos++
			case model.DirectionNegative:
				neg++
			}
			if r.OutcomeNormalized != "" {
				outcomes[r.OutcomeNormalized] = true
			}
		}
		var first model.FactorRecord
		if len(t.records) > 0 {
			first = t.records[0]
		}
		rows = append(rows, []string{
			t.group.Name,
			strconv.Itoa(len(t.group.Members)),
			strconv.Itoa(len(t.records)),
			strconv.Itoa(pos),
			strconv.Itoa(neg),
			strings.Join(sortedKeys(outcomes), ";"),
			first.Citation,
			first.Title,
			first.SourceID,
		})
	}
	return writeCSV(path, header, rows)
}

type outcomeKey struct {
	outcome   string
	direction model.Direction
}

func writeOutcomeSummary(path string, tables []*groupTable) error {
	var rows [][]string
	for _, t := range tables {
		counts := make(map[outcomeKey]int)
		for _, r := range t.records {
			counts[outcomeKey{r.OutcomeNormalized, r.Direction}]++
		}
		keys := make([]outcomeKey, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].outcome != keys[j].outcome {
				return keys[i].outcome < keys[j].outcome
			}
			return keys[i].direction < keys[j].direction
		})
		for _, k := range keys {
			rows = append(rows, []string{t.group.Name, k.outcome, string(k.direction), strconv.Itoa(counts[k])})
		}
	}
	return writeCSV(path, []string{"group", "outcome", "direction", "count"}, rows)
}

func writeGroupNames(path string, tables []*groupTable) error {
	var b strings.Builder
	for _, t := range tables {
		b.WriteString(t.group.Name)
		b.WriteByte('\n')
	}
	return writeAtomic(path, []byte(b.String()))
}

func writeMapping(path string, entries []canon.Entry) error {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.Label, e.Group, strconv.Itoa(e.Pass), e.RunID, e.Source})
	}
	return writeCSV(path, []string{"label", "group", "pass", "run_id", "source"}, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, []byte(b.String()))
}

// writeAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
