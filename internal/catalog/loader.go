package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Column headers of the accession register. Any other columns are carried
// through in Extra.
const (
	colSourceID = "Acc. No."
	colTitle    = "Title"
	colAuthor   = "Author/Editor"
)

// LoadFile opens path and loads its records. limit <= 0 means no limit.
func LoadFile(path string, limit int) ([]SourceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog %s: %w", path, err)
	}
	defer f.Close()
	return Load(f, limit)
}

// Load reads accession-register rows from r. Rows without a title or
// accession number are skipped; duplicate accession numbers keep the first
// occurrence. The caller guarantees source ids are stable across runs.
func Load(r io.Reader, limit int) ([]SourceRecord, error) {
	logger := slog.Default().With("component", "catalog-loader")
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading catalog header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{colSourceID, colTitle} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("catalog missing required column %q", required)
		}
	}

	var records []SourceRecord
	seen := make(map[string]struct{})
	skipped := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading catalog row: %w", err)
		}
		rec := rowToRecord(row, header, cols)
		if rec.SourceID == "" || rec.Title == "" {
			skipped++
			continue
		}
		if _, dup := seen[rec.SourceID]; dup {
			skipped++
			continue
		}
		seen[rec.SourceID] = struct{}{}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	logger.Info("catalog loaded", "records", len(records), "skipped", skipped)
	return records, nil
}

func rowToRecord(row []string, header []string, cols map[string]int) SourceRecord {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	rec := SourceRecord{
		SourceID: field(colSourceID),
		Title:    field(colTitle),
		Author:   field(colAuthor),
	}
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == colSourceID || name == colTitle || name == colAuthor {
			continue
		}
		if i < len(row) && strings.TrimSpace(row[i]) != "" {
			if rec.Extra == nil {
				rec.Extra = make(map[string]string)
			}
			rec.Extra[name] = strings.TrimSpace(row[i])
		}
	}
	return rec
}
