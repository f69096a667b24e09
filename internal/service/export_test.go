package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"provenance/internal/config"
	"provenance/internal/repository"
)

func listParamsAll() repository.ListAnalysesParams {
	return repository.ListAnalysesParams{}
}

func seedForExport(repo *stubRepo, n int) {
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		seedRecord(repo, "text", "api", i%2 == 0, 0.5, "", now.Add(-time.Duration(i)*time.Minute))
	}
}

func TestExportCSV(t *testing.T) {
	repo := &stubRepo{}
	seedForExport(repo, 5)
	store := testStore(repo, config.StoreConfig{ExportRowCap: 10000})

	var buf bytes.Buffer
	params := listParamsAll()
	if err := store.Export(context.Background(), &buf, "csv", params, 0); err != nil {
		t.Fatalf("export: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("rows = %d, want header + 5", len(rows))
	}
	if rows[0][0] != "analysis_id" || rows[0][3] != "is_ai_generated" {
		t.Fatalf("header = %v", rows[0])
	}
}

func TestExportJSON(t *testing.T) {
	repo := &stubRepo{}
	seedForExport(repo, 3)
	store := testStore(repo, config.StoreConfig{ExportRowCap: 10000})

	var buf bytes.Buffer
	if err := store.Export(context.Background(), &buf, "json", listParamsAll(), 0); err != nil {
		t.Fatalf("export: %v", err)
	}
	var items []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &items); err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
}

func TestExportRowCap(t *testing.T) {
	repo := &stubRepo{}
	seedForExport(repo, 20)
	store := testStore(repo, config.StoreConfig{ExportRowCap: 10000})

	var buf bytes.Buffer
	if err := store.Export(context.Background(), &buf, "csv", listParamsAll(), 7); err != nil {
		t.Fatalf("export: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 8 {
		t.Fatalf("rows = %d, want header + 7 (capped)", len(rows))
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	store := testStore(&stubRepo{}, config.StoreConfig{})
	var buf bytes.Buffer
	if err := store.Export(context.Background(), &buf, "xml", listParamsAll(), 0); err == nil {
		t.Fatalf("expected format error")
	}
}
