package forecast

import (
	"math/rand"
	"sort"

	"forecast-service/internal/model"
)

// maxSimulatedWeeks 单次模拟的上限（约 10 年），避免吞吐极低时无限循环
const maxSimulatedWeeks = 520

// simulate 对历史吞吐做 bootstrap 抽样，得到完成剩余工作量所需周数的 P25/P50/P75
func (e *Engine) simulate(remaining float64, samples []float64) model.Percentiles {
	if remaining <= 0 {
		return model.Percentiles{}
	}

	rng := e.rng()
	trials := e.cfg.Trials
	durations := make([]int, trials)
	for i := 0; i < trials; i++ {
		durations[i] = simulateTrial(remaining, samples, rng)
	}
	sort.Ints(durations)

	return model.Percentiles{
		P25: float64(durations[percentileIndex(trials, 0.25)]),
		P50: float64(durations[percentileIndex(trials, 0.50)]),
		P75: float64(durations[percentileIndex(trials, 0.75)]),
	}
}

func simulateTrial(remaining float64, samples []float64, rng *rand.Rand) int {
	weeks := 0
	for remaining > 0 && weeks < maxSimulatedWeeks {
		remaining -= samples[rng.Intn(len(samples))]
		weeks++
	}
	return weeks
}

func percentileIndex(n int, q float64) int {
	idx := int(float64(n) * q)
	if idx >= n {
		idx = n - 1
	}
	return idx
}
