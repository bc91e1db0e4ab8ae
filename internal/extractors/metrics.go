package extractors

import (
	"math"
	"sort"
	"time"
)

// MetricAnomaly captures the latest sample of a series that broke away from its baseline.
type MetricAnomaly struct {
	Series    SeriesKey
	Timestamp time.Time
	Value     float64
	Mean      float64
	Score     float64
	Threshold float64
}

// MetricExtractor detects anomalies using a z-score of the newest sample against the
// earlier samples of the same series.
type MetricExtractor struct {
	threshold  float64
	minSamples int
}

// NewMetricExtractor creates a metrics anomaly detector. A non-positive threshold defaults to 2.5.
func NewMetricExtractor(threshold float64) *MetricExtractor {
	if threshold <= 0 {
		threshold = 2.5
	}
	return &MetricExtractor{threshold: threshold, minSamples: 5}
}

// Detect groups samples into series and scores each series' newest sample.
func (e *MetricExtractor) Detect(samples []MetricSample) []MetricAnomaly {
	if len(samples) == 0 {
		return nil
	}

	series := make(map[SeriesKey][]MetricSample)
	keys := make([]SeriesKey, 0)
	for _, s := range samples {
		k := s.Key()
		if _, ok := series[k]; !ok {
			keys = append(keys, k)
		}
		series[k] = append(series[k], s)
	}

	anomalies := make([]MetricAnomaly, 0)
	for _, k := range keys {
		points := series[k]
		if len(points) < e.minSamples {
			continue
		}
		sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

		latest := points[len(points)-1]
		baseline := make([]float64, len(points)-1)
		for i, p := range points[:len(points)-1] {
			baseline[i] = p.Value
		}

		avg := mean(baseline)
		std := stdDev(baseline, avg)
		if std == 0 {
			std = 0.01
		}
		score := (latest.Value - avg) / std
		if score >= e.threshold {
			anomalies = append(anomalies, MetricAnomaly{
				Series:    k,
				Timestamp: latest.Timestamp,
				Value:     latest.Value,
				Mean:      avg,
				Score:     score,
				Threshold: e.threshold,
			})
		}
	}
	return anomalies
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)))
}
