package export

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"citypulse/api/internal/analytics"
)

type reportData struct {
	Report      analytics.ImpactReport
	GeneratedAt string
	Period      string
}

// RenderImpactHTML renders an impact report to a standalone HTML page.
func RenderImpactHTML(report analytics.ImpactReport, now time.Time) (*Result, error) {
	period := "All time"
	if report.Start != "" {
		period = fmt.Sprintf("%s to %s", report.Start, report.End)
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, reportData{
		Report:      report,
		GeneratedAt: now.UTC().Format("2006-01-02 15:04 UTC"),
		Period:      period,
	}); err != nil {
		return nil, fmt.Errorf("render impact report: %w", err)
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: reportFilename(report) + ".html",
		MimeType: "text/html; charset=utf-8",
	}, nil
}

// RenderImpactPDF renders an impact report to PDF via headless Chrome.
func RenderImpactPDF(report analytics.ImpactReport, now time.Time) (*Result, error) {
	html, err := RenderImpactHTML(report, now)
	if err != nil {
		return nil, err
	}
	pdf, err := htmlToPDF(string(html.Data))
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:     pdf,
		Filename: reportFilename(report) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

func reportFilename(report analytics.ImpactReport) string {
	if report.Start != "" {
		return fmt.Sprintf("impact-report-%s-%s", report.Start, report.End)
	}
	return "impact-report"
}

var reportTemplate = template.Must(template.New("impact").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>CityPulse Impact Report</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #222; max-width: 800px; margin: 0 auto; padding: 32px; }
        h1 { border-bottom: 2px solid #1a7f5a; padding-bottom: 8px; }
        .meta { color: #666; font-size: 14px; margin-bottom: 24px; }
        .summary { display: flex; gap: 24px; margin: 24px 0; }
        .stat { flex: 1; background: #f5f7f6; border-radius: 8px; padding: 16px; }
        .stat .value { font-size: 28px; font-weight: 700; color: #1a7f5a; }
        .stat .label { font-size: 13px; color: #555; }
        table { width: 100%; border-collapse: collapse; margin: 16px 0; }
        th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid #ddd; font-size: 14px; }
        th { background: #f0f2f1; }
        td.num { text-align: right; }
    </style>
</head>
<body>
    <h1>CityPulse Impact Report</h1>
    <p class="meta">Period: {{.Period}} &middot; Generated {{.GeneratedAt}}</p>

    <div class="summary">
        <div class="stat"><div class="value">{{.Report.TotalIssues}}</div><div class="label">Total issues</div></div>
        <div class="stat"><div class="value">{{.Report.ResolvedIssues}}</div><div class="label">Resolved</div></div>
        <div class="stat"><div class="value">{{.Report.ResolutionRate}}%</div><div class="label">Resolution rate</div></div>
        <div class="stat"><div class="value">{{.Report.AverageResolutionDays}}</div><div class="label">Avg days to resolve</div></div>
    </div>

    <h2>By ward</h2>
    <table>
        <tr><th>Ward</th><th>Total</th><th>Open</th><th>In progress</th><th>Resolved</th><th>Avg days</th></tr>
        {{range .Report.Wards}}
        <tr>
            <td>{{.Ward}}</td>
            <td class="num">{{.TotalIssues}}</td>
            <td class="num">{{.OpenIssues}}</td>
            <td class="num">{{.InProgressIssues}}</td>
            <td class="num">{{.ResolvedIssues}}</td>
            <td class="num">{{.AverageResolutionDays}}</td>
        </tr>
        {{end}}
    </table>

    <h2>By category</h2>
    <table>
        <tr><th>Category</th><th>Count</th></tr>
        {{range .Report.CategoryBreakdown}}
        <tr><td>{{.Category}}</td><td class="num">{{.Count}}</td></tr>
        {{end}}
    </table>
</body>
</html>`))
