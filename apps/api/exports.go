package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
)

const (
	pdfRecentReportLimit  = 25
	pdfDescriptionMaxRune = 70
)

func buildExport(format string, reports []Report, generatedAt time.Time) (string, []byte, error) {
	switch format {
	case "csv":
		data, err := buildCSV(reports)
		return "text/csv; charset=utf-8", data, err
	case "geojson":
		data, err := buildGeoJSON(reports)
		return "application/geo+json", data, err
	case "pdf":
		data, err := buildPDF(reports, generatedAt)
		return "application/pdf", data, err
	default:
		return "", nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func formatCoordinate(value *float64) string {
	if value == nil {
		return ""
	}
	return strconv.FormatFloat(*value, 'f', 6, 64)
}

func buildCSV(reports []Report) ([]byte, error) {
	buffer := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buffer)
	headers := []string{"report_id", "created_at", "status", "latitude", "longitude", "address", "description", "image_url"}
	if err := writer.Write(headers); err != nil {
		return nil, err
	}
	for _, report := range reports {
		address := ""
		if report.Address != nil {
			address = *report.Address
		}
		row := []string{
			strconv.FormatInt(report.ID, 10),
			report.CreatedAt.UTC().Format(time.RFC3339),
			report.Status,
			formatCoordinate(report.Latitude),
			formatCoordinate(report.Longitude),
			address,
			report.Description,
			report.ImageURL,
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// buildGeoJSON emits a FeatureCollection. Reports without coordinates have
// no geometry and are left out.
func buildGeoJSON(reports []Report) ([]byte, error) {
	features := make([]map[string]any, 0, len(reports))
	for _, report := range reports {
		if !report.Located() {
			continue
		}
		features = append(features, map[string]any{
			"type": "Feature",
			"geometry": map[string]any{
				"type":        "Point",
				"coordinates": []float64{*report.Longitude, *report.Latitude},
			},
			"properties": map[string]any{
				"report_id":   report.ID,
				"created_at":  report.CreatedAt.UTC().Format(time.RFC3339),
				"status":      report.Status,
				"description": report.Description,
				"image_url":   report.ImageURL,
				"address":     report.Address,
			},
		})
	}
	payload := map[string]any{"type": "FeatureCollection", "features": features}
	return json.MarshalIndent(payload, "", "  ")
}

func buildPDF(reports []Report, generatedAt time.Time) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 16)
	pdf.Cell(0, 10, "Injured animal reports")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 8, fmt.Sprintf("Generated: %s UTC", generatedAt.UTC().Format("2006-01-02 15:04")))
	pdf.Ln(7)
	pdf.Cell(0, 8, fmt.Sprintf("Total reports: %d", len(reports)))
	pdf.Ln(10)

	statusCounts := map[string]int{}
	for _, report := range reports {
		statusCounts[report.Status]++
	}

	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, "Status distribution")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	for _, status := range reportStatuses {
		pdf.Cell(0, 6, fmt.Sprintf("- %s: %d", status, statusCounts[status]))
		pdf.Ln(6)
	}

	recent := append([]Report(nil), reports...)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].CreatedAt.After(recent[j].CreatedAt) })
	if len(recent) > pdfRecentReportLimit {
		recent = recent[:pdfRecentReportLimit]
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, "Most recent reports")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 9)
	translate := pdf.UnicodeTranslatorFromDescriptor("")
	for _, report := range recent {
		location := "no location"
		if report.Located() {
			location = formatCoordinate(report.Latitude) + ", " + formatCoordinate(report.Longitude)
		}
		line := fmt.Sprintf("#%d  %s  %-8s  %s  %s",
			report.ID,
			report.CreatedAt.UTC().Format("2006-01-02"),
			report.Status,
			location,
			truncateRunes(report.Description, pdfDescriptionMaxRune),
		)
		pdf.Cell(0, 5, translate(line))
		pdf.Ln(5)
	}

	buffer := bytes.NewBuffer(nil)
	if err := pdf.Output(buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
