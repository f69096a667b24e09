package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"provenance/internal/models"
	"provenance/internal/repository"
)

const exportPageSize = 500

// Export streams matching records to w as CSV or JSON, capped at rowCap
// rows. Records are fetched in pages so the full result set never sits in
// memory.
func (s *AnalysisStore) Export(ctx context.Context, w io.Writer, format string, params repository.ListAnalysesParams, rowCap int) error {
	if rowCap <= 0 {
		rowCap = s.Config.ExportRowCap
	}
	if rowCap <= 0 {
		rowCap = 10000
	}

	switch format {
	case "csv":
		return s.exportCSV(ctx, w, params, rowCap)
	case "json":
		return s.exportJSON(ctx, w, params, rowCap)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func (s *AnalysisStore) eachRecord(ctx context.Context, params repository.ListAnalysesParams, rowCap int, fn func(models.AnalysisRecord) error) error {
	written := 0
	offset := params.Offset
	for written < rowCap {
		pageParams := params
		pageParams.Offset = offset
		pageParams.Limit = exportPageSize
		if remaining := rowCap - written; remaining < exportPageSize {
			pageParams.Limit = remaining
		}
		page, err := s.Repo.ListAnalyses(ctx, pageParams)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, record := range page {
			if err := fn(record); err != nil {
				return err
			}
			written++
		}
		offset += len(page)
	}
	return nil
}

func (s *AnalysisStore) exportCSV(ctx context.Context, w io.Writer, params repository.ListAnalysesParams, rowCap int) error {
	writer := csv.NewWriter(w)
	header := []string{
		"analysis_id", "content_type", "content_hash", "is_ai_generated",
		"confidence", "model_prediction", "source", "source_url", "filename",
		"input_size", "created_at",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	err := s.eachRecord(ctx, params, rowCap, func(record models.AnalysisRecord) error {
		return writer.Write([]string{
			record.AnalysisID,
			record.ContentType,
			record.ContentHash,
			strconv.FormatBool(record.IsAIGenerated),
			strconv.FormatFloat(record.Confidence, 'f', -1, 64),
			derefString(record.ModelPrediction),
			record.Source,
			derefString(record.SourceURL),
			derefString(record.Filename),
			strconv.FormatInt(record.InputSize, 10),
			record.CreatedAt.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func (s *AnalysisStore) exportJSON(ctx context.Context, w io.Writer, params repository.ListAnalysesParams, rowCap int) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	err := s.eachRecord(ctx, params, rowCap, func(record models.AnalysisRecord) error {
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false
		encoded, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = w.Write(encoded)
		return err
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "]")
	return err
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
