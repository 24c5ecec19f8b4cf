package usecase

import "context"

// MetricsSummary represents aggregated scan insights.
type MetricsSummary struct {
	TotalScans         int64   `json:"total_scans"`
	TrustworthyScans   int64   `json:"trustworthy_scans"`
	TrustRate          float64 `json:"trust_rate"`
	AverageSafetyScore float64 `json:"average_safety_score"`
}

// GetMetricsSummary aggregates scan metrics from persisted logs.
func (uc *ScanUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalScans:         aggregation.TotalCount,
		TrustworthyScans:   aggregation.TrustworthyCount,
		AverageSafetyScore: aggregation.AverageSafetyScore,
	}

	if aggregation.TotalCount > 0 {
		summary.TrustRate = float64(aggregation.TrustworthyCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
