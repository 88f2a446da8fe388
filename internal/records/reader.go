// Package records reads factor records from the CSV tables produced by the
// extraction and splitting steps.
package records

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ppiankov/factorcanon/internal/model"
)

// DefaultLabelColumn holds the factor text when no other column is configured
const DefaultLabelColumn = "factor"

// Options controls how input tables are read
type Options struct {
	// LabelColumn is the header of the column canonicalized as the label.
	// Matching is case-insensitive.
	LabelColumn string
}

// columnAliases maps header names (lowercased) onto record fields. The
// upstream steps were not consistent about naming.
var columnAliases = map[string]string{
	"factor":                 "factor",
	"outcome_raw":            "outcome_raw",
	"outcome raw":            "outcome_raw",
	"outcome_normalized":     "outcome_normalized",
	"outcome":                "outcome_normalized",
	"outcome llm":            "outcome_normalized",
	"psychological_variable": "outcome_normalized",
	"direction":              "direction",
	"source_id":              "source_id",
	"paper_id":               "source_id",
	"pmcid":                  "source_id",
	"title":                  "title",
	"study_title":            "title",
	"citation":               "citation",
	"doi":                    "doi",
	"notes":                  "notes",
}

// ErrNoLabelColumn is returned when a table lacks the configured label column
var ErrNoLabelColumn = errors.New("label column not found")

// ReadFiles reads every table in order. Each record's Bin is its file stem.
func ReadFiles(paths []string, opts Options) ([]model.FactorRecord, error) {
	var all []model.FactorRecord
	for _, path := range paths {
		recs, err := ReadFile(path, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// ReadFile reads one CSV table
func ReadFile(path string, opts Options) ([]model.FactorRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	defer func() { _ = f.Close() }()

	recs, err := Read(f, Bin(path), opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// Bin returns the file stem used as a record's bin
func Bin(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Read parses CSV from r. Rows with an empty label are kept; they never
// reach the oracle and are reported as unmapped by the materializer.
// When a row has no usable direction the bin name's _increase/_decrease
// (or _positive/_negative) suffix is used.
func Read(r io.Reader, bin string, opts Options) ([]model.FactorRecord, error) {
	labelColumn := strings.ToLower(strings.TrimSpace(opts.LabelColumn))
	if labelColumn == "" {
		labelColumn = DefaultLabelColumn
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	labelIdx := -1
	fields := make(map[string]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if name == labelColumn {
			labelIdx = i
		}
		if field, ok := columnAliases[name]; ok {
			// First matching header wins
			if _, seen := fields[field]; !seen {
				fields[field] = i
			}
		}
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoLabelColumn, labelColumn)
	}

	binDirection := directionFromBin(bin)

	var out []model.FactorRecord
	for row := 1; ; row++ {
		cells, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}

		get := func(field string) string {
			i, ok := fields[field]
			if !ok || i >= len(cells) {
				return ""
			}
			return strings.TrimSpace(cells[i])
		}

		label := ""
		if labelIdx < len(cells) {
			label = strings.TrimSpace(cells[labelIdx])
		}

		dir, ok := model.ParseDirection(get("direction"))
		if !ok {
			dir = binDirection
		}

		out = append(out, model.FactorRecord{
			Factor:            label,
			OutcomeRaw:        get("outcome_raw"),
			OutcomeNormalized: get("outcome_normalized"),
			Direction:         dir,
			SourceID:          get("source_id"),
			Title:             get("title"),
			Citation:          get("citation"),
			DOI:               get("doi"),
			Notes:             get("notes"),
			Bin:               bin,
			Row:               row,
		})
	}
	return out, nil
}

func directionFromBin(bin string) model.Direction {
	i := strings.LastIndexAny(bin, "_-")
	if i < 0 {
		return ""
	}
	dir, _ := model.ParseDirection(bin[i+1:])
	return dir
}
