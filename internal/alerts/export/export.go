// Package export renders alert history reports.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alerts "fleet-telemetry/internal/alerts/domain"
)

// Report is the input of every export format.
type Report struct {
	Title       string
	From        time.Time
	To          time.Time
	GeneratedAt time.Time
	Alerts      []alerts.Alert
}

// Summary counts alerts per status and per severity.
type Summary struct {
	Total      int
	ByStatus   map[alerts.Status]int
	BySeverity map[alerts.Severity]int
}

// Summarize builds the report summary.
func (r Report) Summarize() Summary {
	s := Summary{
		Total:      len(r.Alerts),
		ByStatus:   make(map[alerts.Status]int),
		BySeverity: make(map[alerts.Severity]int),
	}
	for _, a := range r.Alerts {
		s.ByStatus[a.Status]++
		s.BySeverity[a.Severity]++
	}
	return s
}

var header = []string{
	"id", "rule_id", "rule_name", "rule_type", "instance_id", "metric", "severity", "status",
	"last_value", "fired_at", "acknowledged_at", "resolved_at", "silenced_until", "message",
}

func row(a alerts.Alert) []string {
	lastValue := ""
	if a.LastValue != nil {
		lastValue = strconv.FormatFloat(*a.LastValue, 'f', -1, 64)
	}
	return []string{
		a.ID,
		a.RuleID,
		a.RuleName,
		string(a.RuleType),
		a.InstanceID,
		string(a.Metric),
		string(a.Severity),
		string(a.Status),
		lastValue,
		formatTime(&a.FiredAt),
		formatTime(a.AcknowledgedAt),
		formatTime(a.ResolvedAt),
		formatTime(a.SilencedUntil),
		a.Message,
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// BuildAlertsCSV renders one row per alert with a header line.
func BuildAlertsCSV(report Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, a := range report.Alerts {
		if err := w.Write(row(a)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAlertsXLSX renders a summary sheet and an alerts sheet.
func BuildAlertsXLSX(report Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	alertsSheet := "alerts"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(alertsSheet); err != nil {
		return nil, err
	}

	summary := report.Summarize()
	_ = f.SetCellValue(summarySheet, "A1", titleOf(report))
	_ = f.SetCellValue(summarySheet, "A3", "From")
	_ = f.SetCellValue(summarySheet, "B3", formatTime(&report.From))
	_ = f.SetCellValue(summarySheet, "A4", "To")
	_ = f.SetCellValue(summarySheet, "B4", formatTime(&report.To))
	_ = f.SetCellValue(summarySheet, "A5", "Generated")
	_ = f.SetCellValue(summarySheet, "B5", formatTime(&report.GeneratedAt))
	_ = f.SetCellValue(summarySheet, "A6", "Total")
	_ = f.SetCellValue(summarySheet, "B6", summary.Total)
	line := 8
	for _, st := range []alerts.Status{alerts.StatusActive, alerts.StatusAcknowledged, alerts.StatusSilenced, alerts.StatusResolved} {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", line), string(st))
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", line), summary.ByStatus[st])
		line++
	}

	for i, name := range header {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(alertsSheet, cell, name)
	}
	for r, a := range report.Alerts {
		values := row(a)
		for c, v := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			if c == 8 && a.LastValue != nil {
				_ = f.SetCellValue(alertsSheet, cell, *a.LastValue)
				continue
			}
			_ = f.SetCellValue(alertsSheet, cell, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAlertsPDF renders a landscape table of alerts.
func BuildAlertsPDF(report Report) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, titleOf(report))
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Window: %s - %s", formatTime(&report.From), formatTime(&report.To)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", formatTime(&report.GeneratedAt)))
	pdf.Ln(5)

	summary := report.Summarize()
	pdf.Cell(0, 6, fmt.Sprintf("Total: %d", summary.Total))
	pdf.Ln(5)
	severities := make([]string, 0, len(summary.BySeverity))
	for sev := range summary.BySeverity {
		severities = append(severities, string(sev))
	}
	sort.Strings(severities)
	for _, sev := range severities {
		pdf.Cell(0, 6, fmt.Sprintf("%s: %d", sev, summary.BySeverity[alerts.Severity(sev)]))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	columns := []struct {
		title string
		width float64
		value func(a alerts.Alert) string
	}{
		{"Fired", 40, func(a alerts.Alert) string { return formatTime(&a.FiredAt) }},
		{"Instance", 40, func(a alerts.Alert) string { return a.InstanceID }},
		{"Rule", 55, func(a alerts.Alert) string { return firstNonEmpty(a.RuleName, a.RuleID) }},
		{"Severity", 25, func(a alerts.Alert) string { return string(a.Severity) }},
		{"Status", 30, func(a alerts.Alert) string { return string(a.Status) }},
		{"Value", 25, func(a alerts.Alert) string {
			if a.LastValue == nil {
				return ""
			}
			return fmt.Sprintf("%.2f", *a.LastValue)
		}},
		{"Resolved", 40, func(a alerts.Alert) string { return formatTime(a.ResolvedAt) }},
	}

	pdf.SetFont("Arial", "B", 9)
	for _, col := range columns {
		pdf.CellFormat(col.width, 6, col.title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, a := range report.Alerts {
		for _, col := range columns {
			pdf.CellFormat(col.width, 6, truncate(col.value(a), int(col.width/2)), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func titleOf(report Report) string {
	if report.Title != "" {
		return report.Title
	}
	return "Alert History"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
