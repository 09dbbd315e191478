package usage

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	overviewSheet  = "Overview"
	providersSheet = "Providers"
)

var providerColumns = []string{
	"Provider", "Requests", "Failures", "Success rate", "Avg latency (ms)",
	"Tokens", "Total cost", "Daily cost", "Monthly cost", "Requests in window",
}

// WriteXLSX writes the summary as a workbook with an overview and a per-provider sheet.
func (s Summary) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", overviewSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	overview := [][]any{
		{"Generated at", s.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Total requests", s.TotalRequests},
		{"Failed requests", s.FailedRequests},
		{"Success rate", s.SuccessRate},
		{"Avg latency (ms)", s.AvgLatencyMs},
		{"Total tokens", s.TotalTokens},
		{"Total cost", s.TotalCost},
		{"Cache hits", s.CacheHits},
		{"Cache misses", s.CacheMisses},
		{"Cache hit rate", s.CacheHitRate},
		{"Degraded responses", s.DegradedResponses},
	}
	for i, row := range overview {
		if err := setRow(f, overviewSheet, i+1, row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(providersSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	header := make([]any, len(providerColumns))
	for i, c := range providerColumns {
		header[i] = c
	}
	if err := setRow(f, providersSheet, 1, header); err != nil {
		return err
	}
	for i, p := range s.Providers {
		row := []any{
			p.Name, p.Requests, p.Failures, p.SuccessRate, p.AvgLatencyMs,
			p.TotalTokens, p.TotalCost, p.DailyCost, p.MonthlyCost, p.RequestsInWindow,
		}
		if err := setRow(f, providersSheet, i+2, row); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("set %s row %d: %w", sheet, row, err)
	}
	return nil
}
