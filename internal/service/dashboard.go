package service

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DashboardSummary aggregates decisions inside the requested window.
type DashboardSummary struct {
	TotalAnalysesAllTime    int64   `json:"total_analyses_all_time"`
	TotalAnalysesWindow     int64   `json:"total_analyses_window"`
	AIDetectedWindow        int64   `json:"ai_detected_window"`
	HumanDetectedWindow     int64   `json:"human_detected_window"`
	AIRateWindow            float64 `json:"ai_rate_window"`
	AverageConfidenceWindow float64 `json:"average_confidence_window"`
}

// TimelineEntry is one calendar day (UTC), zero-filled for quiet days.
type TimelineEntry struct {
	Date          string `json:"date"`
	Total         int64  `json:"total"`
	AIDetected    int64  `json:"ai_detected"`
	HumanDetected int64  `json:"human_detected"`
}

type TopModel struct {
	Model string `json:"model"`
	Count int64  `json:"count"`
}

type DashboardAlert struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type Dashboard struct {
	WindowDays      int              `json:"window_days"`
	Summary         DashboardSummary `json:"summary"`
	ByTypeWindow    map[string]int64 `json:"by_type_window"`
	BySourceWindow  map[string]int64 `json:"by_source_window"`
	TopModelsWindow []TopModel       `json:"top_models_window"`
	Timeline        []TimelineEntry  `json:"timeline"`
	AlertsWindow    []DashboardAlert `json:"alerts_window"`
}

// alertBaselineDays is the trailing window the alert rules compare against.
const alertBaselineDays = 14

// Dashboard assembles the analytics view. All aggregation happens in SQL
// over the window; only the day-bucket zero-fill and the alert rules run
// here.
func (s *AnalysisStore) Dashboard(ctx context.Context, windowDays int) (Dashboard, error) {
	if windowDays < 1 {
		windowDays = 1
	}
	if windowDays > 90 {
		windowDays = 90
	}

	now := time.Now().UTC()
	startDay := now.Truncate(24 * time.Hour).AddDate(0, 0, -(windowDays - 1))

	allTime, err := s.Repo.CountAllAnalyses(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	window, err := s.Repo.AnalysisWindowStats(ctx, startDay)
	if err != nil {
		return Dashboard{}, err
	}
	buckets, err := s.Repo.AnalysisTimeline(ctx, startDay)
	if err != nil {
		return Dashboard{}, err
	}
	byType, err := s.Repo.CountAnalysesByType(ctx, startDay)
	if err != nil {
		return Dashboard{}, err
	}
	bySource, err := s.Repo.CountAnalysesBySource(ctx, startDay)
	if err != nil {
		return Dashboard{}, err
	}
	topModels, err := s.Repo.TopModelPredictions(ctx, startDay, 5)
	if err != nil {
		return Dashboard{}, err
	}

	byDay := map[string][2]int64{}
	for _, b := range buckets {
		byDay[b.Day.Format("2006-01-02")] = [2]int64{b.Total, b.AIDetected}
	}
	timeline := make([]TimelineEntry, 0, windowDays)
	for i := 0; i < windowDays; i++ {
		day := startDay.AddDate(0, 0, i).Format("2006-01-02")
		counts := byDay[day]
		human := counts[0] - counts[1]
		if human < 0 {
			human = 0
		}
		timeline = append(timeline, TimelineEntry{
			Date:          day,
			Total:         counts[0],
			AIDetected:    counts[1],
			HumanDetected: human,
		})
	}

	aiRate := 0.0
	if window.Total > 0 {
		aiRate = float64(window.AIDetected) / float64(window.Total)
	}

	dash := Dashboard{
		WindowDays: windowDays,
		Summary: DashboardSummary{
			TotalAnalysesAllTime:    allTime,
			TotalAnalysesWindow:     window.Total,
			AIDetectedWindow:        window.AIDetected,
			HumanDetectedWindow:     window.Total - window.AIDetected,
			AIRateWindow:            round3(aiRate),
			AverageConfidenceWindow: round3(window.AvgConfidence),
		},
		ByTypeWindow:    map[string]int64{"text": 0, "image": 0, "audio": 0, "video": 0},
		BySourceWindow:  map[string]int64{},
		TopModelsWindow: make([]TopModel, 0, len(topModels)),
		Timeline:        timeline,
		AlertsWindow:    []DashboardAlert{},
	}
	for _, kc := range byType {
		dash.ByTypeWindow[kc.Key] = kc.Count
	}
	for _, kc := range bySource {
		dash.BySourceWindow[kc.Key] = kc.Count
	}
	for _, m := range topModels {
		dash.TopModelsWindow = append(dash.TopModelsWindow, TopModel{Model: m.Model, Count: m.Count})
	}

	alerts, err := s.computeAlerts(ctx, now)
	if err == nil {
		dash.AlertsWindow = alerts
	} else if s.Logger != nil {
		s.Logger.Warn("dashboard alert computation failed")
	}
	return dash, nil
}

// computeAlerts evaluates the two alert rules over today versus the trailing
// baseline window, independent of the requested dashboard window.
func (s *AnalysisStore) computeAlerts(ctx context.Context, now time.Time) ([]DashboardAlert, error) {
	alerts := []DashboardAlert{}
	todayStart := now.Truncate(24 * time.Hour)
	baselineStart := todayStart.AddDate(0, 0, -alertBaselineDays)

	buckets, err := s.Repo.AnalysisTimeline(ctx, baselineStart)
	if err != nil {
		return nil, err
	}

	var todayTotal, todayAI int64
	var baselineTotal, baselineAI int64
	baselineCounts := make([]int64, 0, alertBaselineDays)
	byDay := map[string][2]int64{}
	for _, b := range buckets {
		byDay[b.Day.Format("2006-01-02")] = [2]int64{b.Total, b.AIDetected}
	}
	todayKey := todayStart.Format("2006-01-02")
	if counts, ok := byDay[todayKey]; ok {
		todayTotal, todayAI = counts[0], counts[1]
	}
	for i := 0; i < alertBaselineDays; i++ {
		day := baselineStart.AddDate(0, 0, i).Format("2006-01-02")
		counts := byDay[day]
		baselineTotal += counts[0]
		baselineAI += counts[1]
		baselineCounts = append(baselineCounts, counts[0])
	}

	// ai_rate_spike: today's rate doubles the trailing average with enough
	// samples behind it.
	if baselineTotal >= 20 && todayTotal > 0 {
		trailingRate := float64(baselineAI) / float64(baselineTotal)
		todayRate := float64(todayAI) / float64(todayTotal)
		if trailingRate > 0 && todayRate > 2*trailingRate {
			alerts = append(alerts, DashboardAlert{
				Code:     "ai_rate_spike",
				Severity: "medium",
				Message: fmt.Sprintf("AI detection rate today (%.0f%%) is more than twice the %d-day average (%.0f%%).",
					todayRate*100, alertBaselineDays, trailingRate*100),
			})
		}
	}

	// volume_drop: today collapses against the trailing median.
	if baselineTotal >= 50 {
		median := medianInt64(baselineCounts)
		if median > 0 && float64(todayTotal) < 0.2*float64(median) {
			alerts = append(alerts, DashboardAlert{
				Code:     "volume_drop",
				Severity: "medium",
				Message: fmt.Sprintf("Today's volume (%d) is below 20%% of the %d-day median (%d).",
					todayTotal, alertBaselineDays, median),
			})
		}
	}
	return alerts, nil
}

func medianInt64(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64{}, values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
