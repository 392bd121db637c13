package scheduler

const tickGateWrap = 1_000_000

// TickGate admits every interval-th host tick.
type TickGate struct {
	counter int
}

func (g *TickGate) Admit(interval int) bool {
	g.counter++
	if g.counter > tickGateWrap {
		g.counter = 0
	}
	return interval <= 1 || g.counter%interval == 0
}
