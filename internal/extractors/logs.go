package extractors

import (
	"math"
	"sort"
	"time"
)

// Workload names the emitter of a log stream.
type Workload struct {
	Namespace string
	Pod       string
}

// LogAnomaly represents an error spike for one workload.
type LogAnomaly struct {
	Workload  Workload
	Timestamp time.Time
	Count     int
	Median    float64
	Score     float64
	Sample    string
}

// LogsExtractor spots error-volume spikes per workload in one-minute buckets.
type LogsExtractor struct {
	perMinute int
}

// NewLogsExtractor constructs a log anomaly detector. perMinute is the absolute error count
// per minute that always counts as a spike; non-positive values default to 20.
func NewLogsExtractor(perMinute int) *LogsExtractor {
	if perMinute <= 0 {
		perMinute = 20
	}
	return &LogsExtractor{perMinute: perMinute}
}

type logBucket struct {
	at     time.Time
	count  int
	sample string
}

// Detect reports, per workload, the worst minute that either crosses the absolute limit or
// stands out from the workload's median error rate.
func (e *LogsExtractor) Detect(lines []LogLine) []LogAnomaly {
	if len(lines) == 0 {
		return nil
	}

	buckets := make(map[Workload]map[int64]*logBucket)
	order := make([]Workload, 0)
	for _, line := range lines {
		if !line.IsError() {
			continue
		}
		w := Workload{Namespace: line.Namespace, Pod: line.Pod}
		perMinute, ok := buckets[w]
		if !ok {
			perMinute = make(map[int64]*logBucket)
			buckets[w] = perMinute
			order = append(order, w)
		}
		minute := line.Timestamp.Truncate(time.Minute)
		b, ok := perMinute[minute.Unix()]
		if !ok {
			b = &logBucket{at: minute, sample: line.Message}
			perMinute[minute.Unix()] = b
		}
		b.count += line.Count
	}

	anomalies := make([]LogAnomaly, 0)
	for _, w := range order {
		series := fillMinutes(buckets[w])
		counts := make([]float64, len(series))
		for i, b := range series {
			counts[i] = float64(b.count)
		}

		median := percentile(counts, 0.5)
		mad := meanAbsoluteDeviation(counts, median)
		if mad == 0 {
			mad = 1
		}

		var worst *LogAnomaly
		for _, b := range series {
			score := math.Abs(float64(b.count)-median) / mad
			spike := b.count >= e.perMinute ||
				(len(series) >= 3 && score >= 3 && float64(b.count) > median*1.3 && b.count >= 5)
			if !spike {
				continue
			}
			if worst == nil || b.count > worst.Count {
				worst = &LogAnomaly{
					Workload:  w,
					Timestamp: b.at,
					Count:     b.count,
					Median:    median,
					Score:     score,
					Sample:    b.sample,
				}
			}
		}
		if worst != nil {
			anomalies = append(anomalies, *worst)
		}
	}
	return anomalies
}

// fillMinutes returns buckets ordered by minute with empty minutes between the first and the
// last bucket filled in as zero counts.
func fillMinutes(perMinute map[int64]*logBucket) []logBucket {
	if len(perMinute) == 0 {
		return nil
	}
	minutes := make([]int64, 0, len(perMinute))
	for m := range perMinute {
		minutes = append(minutes, m)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i] < minutes[j] })

	out := make([]logBucket, 0, len(minutes))
	for m := minutes[0]; m <= minutes[len(minutes)-1]; m += 60 {
		if b, ok := perMinute[m]; ok {
			out = append(out, *b)
			continue
		}
		out = append(out, logBucket{at: time.Unix(m, 0).UTC()})
	}
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}
