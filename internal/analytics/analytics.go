// Package analytics reduces issue snapshots into dashboard, public, and
// impact-report aggregates. All functions are pure: they never mutate
// their inputs and take the evaluation time as a parameter.
package analytics

import (
	"errors"
	"math"
	"sort"
	"time"

	"citypulse/api/internal/store"
)

const (
	StatusOpen       = "open"
	StatusInProgress = "in-progress"
	StatusResolved   = "resolved"
)

// millisecond timestamp deltas are converted to days by this divisor
const msPerDay = 86_400_000

const dateLayout = "2006-01-02"

// recent activity looks back this far, inclusive of the boundary instant
const recentActivityWindow = 30 * 24 * time.Hour

var ErrInvalidDateRange = errors.New("analytics: invalid date range")

type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

type ActivityPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type DashboardStats struct {
	TotalIssues           int             `json:"totalIssues"`
	OpenIssues            int             `json:"openIssues"`
	InProgressIssues      int             `json:"inProgressIssues"`
	ResolvedIssues        int             `json:"resolvedIssues"`
	AverageResolutionDays float64         `json:"averageResolutionTime"`
	CategoryBreakdown     []CategoryCount `json:"categoryBreakdown"`
	RecentActivity        []ActivityPoint `json:"recentActivity"`
}

// PublicStats is the anonymized transparency summary: aggregate counts
// only, never per-issue or per-user fields.
type PublicStats struct {
	TotalIssues           int             `json:"totalIssues"`
	OpenIssues            int             `json:"openIssues"`
	InProgressIssues      int             `json:"inProgressIssues"`
	ResolvedIssues        int             `json:"resolvedIssues"`
	ResolutionRate        float64         `json:"resolutionRate"`
	AverageResolutionDays float64         `json:"averageResolutionTime"`
	RegisteredUsers       int             `json:"registeredUsers"`
	CategoryBreakdown     []CategoryCount `json:"categoryBreakdown"`
}

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type WardReport struct {
	Ward                  string  `json:"ward"`
	TotalIssues           int     `json:"totalIssues"`
	OpenIssues            int     `json:"openIssues"`
	InProgressIssues      int     `json:"inProgressIssues"`
	ResolvedIssues        int     `json:"resolvedIssues"`
	AverageResolutionDays float64 `json:"averageResolutionTime"`
}

type ImpactReport struct {
	Start                 string          `json:"start,omitempty"`
	End                   string          `json:"end,omitempty"`
	TotalIssues           int             `json:"totalIssues"`
	ResolvedIssues        int             `json:"resolvedIssues"`
	ResolutionRate        float64         `json:"resolutionRate"`
	AverageResolutionDays float64         `json:"averageResolutionTime"`
	Wards                 []WardReport    `json:"wards"`
	CategoryBreakdown     []CategoryCount `json:"categoryBreakdown"`
}

// Dashboard computes the admin dashboard aggregates over an issue
// snapshot, anchored at now for the recent-activity window.
func Dashboard(issues []store.Issue, now time.Time) DashboardStats {
	stats := DashboardStats{
		TotalIssues:           len(issues),
		AverageResolutionDays: averageResolutionDays(issues),
		CategoryBreakdown:     categoryBreakdown(issues),
		RecentActivity:        recentActivity(issues, now),
	}
	for _, issue := range issues {
		switch issue.Status {
		case StatusOpen:
			stats.OpenIssues++
		case StatusInProgress:
			stats.InProgressIssues++
		case StatusResolved:
			stats.ResolvedIssues++
		}
	}
	return stats
}

// Public computes the anonymized transparency summary.
func Public(issues []store.Issue, userCount int) PublicStats {
	stats := PublicStats{
		TotalIssues:           len(issues),
		AverageResolutionDays: averageResolutionDays(issues),
		RegisteredUsers:       userCount,
		CategoryBreakdown:     categoryBreakdown(issues),
	}
	for _, issue := range issues {
		switch issue.Status {
		case StatusOpen:
			stats.OpenIssues++
		case StatusInProgress:
			stats.InProgressIssues++
		case StatusResolved:
			stats.ResolvedIssues++
		}
	}
	if stats.TotalIssues > 0 {
		stats.ResolutionRate = round1(float64(stats.ResolvedIssues) / float64(stats.TotalIssues) * 100)
	}
	return stats
}

// Impact computes the ward-by-ward impact report. Every ward in the
// supplied enumeration appears even with zero issues; wards observed in
// the data but missing from the enumeration are appended. A nil
// dateRange means "all time"; an inclusive [start, end] range otherwise.
func Impact(issues []store.Issue, wards []string, dateRange *DateRange) (ImpactReport, error) {
	report := ImpactReport{}

	working := issues
	if dateRange != nil {
		start, err := time.ParseInLocation(dateLayout, dateRange.Start, time.UTC)
		if err != nil {
			return ImpactReport{}, ErrInvalidDateRange
		}
		end, err := time.ParseInLocation(dateLayout, dateRange.End, time.UTC)
		if err != nil {
			return ImpactReport{}, ErrInvalidDateRange
		}
		if end.Before(start) {
			return ImpactReport{}, ErrInvalidDateRange
		}
		endExclusive := end.AddDate(0, 0, 1)

		working = make([]store.Issue, 0, len(issues))
		for _, issue := range issues {
			created := issue.CreatedAt.UTC()
			if created.Before(start) || !created.Before(endExclusive) {
				continue
			}
			working = append(working, issue)
		}
		report.Start = dateRange.Start
		report.End = dateRange.End
	}

	report.TotalIssues = len(working)
	report.AverageResolutionDays = averageResolutionDays(working)
	report.CategoryBreakdown = categoryBreakdown(working)

	byWard := make(map[string][]store.Issue)
	for _, issue := range working {
		byWard[issue.Ward] = append(byWard[issue.Ward], issue)
		if issue.Status == StatusResolved {
			report.ResolvedIssues++
		}
	}
	if report.TotalIssues > 0 {
		report.ResolutionRate = round1(float64(report.ResolvedIssues) / float64(report.TotalIssues) * 100)
	}

	seen := make(map[string]bool, len(wards))
	ordered := make([]string, 0, len(wards)+len(byWard))
	for _, ward := range wards {
		if seen[ward] {
			continue
		}
		seen[ward] = true
		ordered = append(ordered, ward)
	}
	var extras []string
	for ward := range byWard {
		if !seen[ward] {
			extras = append(extras, ward)
		}
	}
	sort.Strings(extras)
	ordered = append(ordered, extras...)

	report.Wards = make([]WardReport, 0, len(ordered))
	for _, ward := range ordered {
		wardIssues := byWard[ward]
		row := WardReport{
			Ward:                  ward,
			TotalIssues:           len(wardIssues),
			AverageResolutionDays: averageResolutionDays(wardIssues),
		}
		for _, issue := range wardIssues {
			switch issue.Status {
			case StatusOpen:
				row.OpenIssues++
			case StatusInProgress:
				row.InProgressIssues++
			case StatusResolved:
				row.ResolvedIssues++
			}
		}
		report.Wards = append(report.Wards, row)
	}

	return report, nil
}

// averageResolutionDays is the mean resolution time in fractional days
// over resolved issues carrying a resolution timestamp, rounded to one
// decimal, 0 when no issue qualifies.
func averageResolutionDays(issues []store.Issue) float64 {
	var totalMs int64
	var resolved int
	for _, issue := range issues {
		if issue.Status != StatusResolved || issue.ResolvedAt == nil {
			continue
		}
		totalMs += issue.ResolvedAt.Sub(issue.CreatedAt).Milliseconds()
		resolved++
	}
	if resolved == 0 {
		return 0
	}
	return round1(float64(totalMs) / float64(resolved) / msPerDay)
}

func categoryBreakdown(issues []store.Issue) []CategoryCount {
	counts := make(map[string]int)
	for _, issue := range issues {
		counts[issue.Category]++
	}
	breakdown := make([]CategoryCount, 0, len(counts))
	for category, count := range counts {
		breakdown = append(breakdown, CategoryCount{Category: category, Count: count})
	}
	sort.Slice(breakdown, func(i, j int) bool { return breakdown[i].Category < breakdown[j].Category })
	return breakdown
}

func recentActivity(issues []store.Issue, now time.Time) []ActivityPoint {
	cutoff := now.Add(-recentActivityWindow)
	counts := make(map[string]int)
	for _, issue := range issues {
		if issue.CreatedAt.Before(cutoff) || issue.CreatedAt.After(now) {
			continue
		}
		counts[issue.CreatedAt.UTC().Format(dateLayout)]++
	}
	points := make([]ActivityPoint, 0, len(counts))
	for date, count := range counts {
		points = append(points, ActivityPoint{Date: date, Count: count})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return points
}

// round1 rounds half away from zero to one decimal place.
func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
