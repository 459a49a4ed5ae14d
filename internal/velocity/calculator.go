// Package velocity 把历史完成周期转换成速度、趋势和置信度
package velocity

import (
	"math"

	"forecast-service/internal/model"
)

const (
	// 后半段均值超过前半段 15% 视为上升，低于 15% 视为下降
	UpThreshold   = 1.15
	DownThreshold = 0.85

	// 样本数不足时置信度固定为 LOW
	MinSampleSize = 3
	// 达到该样本数后才可能是 HIGH
	HighSampleSize = 6

	medCVLimit  = 0.3
	highCVLimit = 0.2

	epsilon = 1e-9
)

// Calculate 计算窗口内的速度指标。
// 纯函数，不会 panic 也不返回错误：空历史返回速度 0、LOW 置信度。
func Calculate(periods []model.VelocityPeriod, window Window) model.VelocityMetrics {
	periods = applyWindow(periods, window)

	metrics := model.VelocityMetrics{
		Trend:      model.TrendStable,
		Confidence: model.ConfidenceLow,
		SampleSize: len(periods),
	}
	if len(periods) == 0 {
		return metrics
	}

	metrics.TimeRange = model.TimeRange{
		Start: periods[0].StartDate,
		End:   periods[len(periods)-1].EndDate,
	}

	points := completedPoints(periods)
	mean := average(points)
	metrics.Velocity = mean

	metrics.Trend, metrics.FirstHalfAvg, metrics.SecondHalfAvg = trend(points)
	metrics.TrendChange = relativeChange(metrics.FirstHalfAvg, metrics.SecondHalfAvg)
	metrics.Confidence = confidence(points, mean)

	return metrics
}

func applyWindow(periods []model.VelocityPeriod, window Window) []model.VelocityPeriod {
	if window <= WindowAll || int(window) >= len(periods) {
		return periods
	}
	return periods[len(periods)-int(window):]
}

// completedPoints 负数视为 0
func completedPoints(periods []model.VelocityPeriod) []float64 {
	points := make([]float64, len(periods))
	for i, p := range periods {
		if p.CompletedPoints > 0 && !math.IsInf(p.CompletedPoints, 0) && !math.IsNaN(p.CompletedPoints) {
			points[i] = p.CompletedPoints
		}
	}
	return points
}

// trend 奇数个周期时中间的周期归入后半段
func trend(points []float64) (model.Trend, float64, float64) {
	if len(points) < 2 {
		avg := average(points)
		return model.TrendStable, avg, avg
	}

	half := len(points) / 2
	first := average(points[:half])
	second := average(points[half:])

	switch {
	case second-first*UpThreshold > epsilon:
		return model.TrendUp, first, second
	case first*DownThreshold-second > epsilon:
		return model.TrendDown, first, second
	default:
		return model.TrendStable, first, second
	}
}

func relativeChange(first, second float64) float64 {
	if first == 0 {
		if second > 0 {
			return 1
		}
		return 0
	}
	return (second - first) / first
}

func confidence(points []float64, mean float64) model.Confidence {
	n := len(points)
	if n < MinSampleSize || mean == 0 {
		return model.ConfidenceLow
	}

	cv := stdDev(points, mean) / mean
	if n < HighSampleSize {
		if cv < medCVLimit {
			return model.ConfidenceMed
		}
		return model.ConfidenceLow
	}
	if cv < highCVLimit {
		return model.ConfidenceHigh
	}
	return model.ConfidenceMed
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev 总体标准差
func stdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sq := 0.0
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}
