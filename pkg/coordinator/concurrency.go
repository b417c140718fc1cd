package coordinator

// poolShare caps one pass at this fraction of the worker pool so concurrent
// tasks are never starved by a single wide workflow.
const poolShare = 0.6

// pressureFactor scales the batch by database connection pressure, the
// ratio of in-use to maximum pool connections.
func pressureFactor(pressure float64) float64 {
	switch {
	case pressure < 0.5:
		return 0.8
	case pressure < 0.75:
		return 0.6
	case pressure < 0.9:
		return 0.4
	default:
		return 0.2
	}
}

// batchLimit returns how many ready steps one coordinator pass may claim,
// given current pool pressure. The floor of MinBatchSize keeps small
// workflows moving even under pressure; MaxBatchSize protects the
// connection pool.
func (c *Config) batchLimit(ready int, pressure float64) int {
	if ready <= 0 {
		return 0
	}

	limit := int(float64(ready) * pressureFactor(pressure))
	if limit < c.MinBatchSize {
		limit = c.MinBatchSize
	}
	if limit > c.MaxBatchSize {
		limit = c.MaxBatchSize
	}
	if byPool := int(float64(c.MaxConcurrency) * poolShare); byPool > 0 && limit > byPool {
		limit = byPool
	}
	if limit > ready {
		limit = ready
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
