package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mappaturasmd/mappatura/internal/collector"
)

type fakeHost struct {
	commands []string
}

func (h *fakeHost) IssueCommand(text string) { h.commands = append(h.commands, text) }

type probeFailure struct {
	cell     Cell
	attempts int
	err      error
}

type fakeResults struct {
	records  []collector.Record
	failures []probeFailure
}

func (r *fakeResults) HandleRecord(rec collector.Record) { r.records = append(r.records, rec) }
func (r *fakeResults) HandleProbeFailure(cell Cell, attempts int, err error) {
	r.failures = append(r.failures, probeFailure{cell: cell, attempts: attempts, err: err})
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestScheduler(t *testing.T, settings Settings) (*Scheduler, *fakeHost, *fakeResults, *testClock) {
	t.Helper()
	host := &fakeHost{}
	results := &fakeResults{}
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	s := New(host, results, Options{Settings: settings, Clock: clock.Now})
	s.Start()
	return s, host, results, clock
}

func at(x, z int) TickInput {
	return TickInput{Ready: true, Cell: Cell{X: x, Z: z}, Position: collector.Coords{X: x * 16, Z: z * 16}}
}

func TestSchedulerKeepsSingleProbeInFlight(t *testing.T) {
	s, host, _, _ := newTestScheduler(t, Settings{})

	s.Tick(at(0, 0))
	s.Tick(at(0, 0))
	s.Tick(at(0, 0))

	require.Equal(t, []string{DefaultCommand}, host.commands)
	status := s.Status()
	require.NotNil(t, status.InFlight)
	require.Empty(t, status.Queued)
	require.Equal(t, 1, status.PendingCells)
}

func TestSchedulerSkipsTicksWhenNotReadyOrStopped(t *testing.T) {
	s, host, _, _ := newTestScheduler(t, Settings{})
	s.Tick(TickInput{Ready: false, Cell: Cell{X: 1, Z: 1}})
	require.Empty(t, host.commands)

	s.Stop()
	s.Tick(at(1, 1))
	require.Empty(t, host.commands)
}

func TestSchedulerIgnoresStaleRecordAfterCellChange(t *testing.T) {
	s, host, results, _ := newTestScheduler(t, Settings{})

	s.Tick(at(0, 0))
	first := s.Status().InFlight
	require.NotNil(t, first)

	s.Tick(at(1, 0))
	second := s.Status().InFlight
	require.NotNil(t, second)
	require.NotEqual(t, first.ID, second.ID)
	require.Len(t, host.commands, 2)

	s.OnRecordReady(collector.Record{PlotID: "0;0", RequestID: first.ID})
	require.Empty(t, results.records, "stale answer must be discarded")

	s.OnLine("Plot: 1;0")
	require.Len(t, results.records, 1)
	require.Equal(t, second.ID, results.records[0].RequestID)
	require.Equal(t, 16, results.records[0].CoordX, "fallback coordinates from the tick position")
	require.Nil(t, s.Status().InFlight)
	require.Equal(t, 0, s.Status().PendingCells)
}

func TestSchedulerRetriesTimeoutsThenReportsFailure(t *testing.T) {
	s, host, results, clock := newTestScheduler(t, Settings{Timeout: time.Second, MaxAttempts: 3})

	s.Tick(at(2, 2))
	for i := 0; i < 3; i++ {
		clock.Advance(1500 * time.Millisecond)
		s.Tick(at(2, 2))
	}

	require.Len(t, host.commands, 3, "one dispatch per attempt")
	require.Len(t, results.failures, 1)
	failure := results.failures[0]
	require.Equal(t, Cell{X: 2, Z: 2}, failure.cell)
	require.Equal(t, 3, failure.attempts)
	require.True(t, errors.Is(failure.err, ErrRetriesExhausted))
	require.Equal(t, 0, s.Status().PendingCells)

	clock.Advance(5 * time.Second)
	s.Tick(at(2, 2))
	require.Len(t, host.commands, 3, "no new probe without a cell change")
}

func TestSchedulerRetryHonoursCooldown(t *testing.T) {
	s, host, _, clock := newTestScheduler(t, Settings{Timeout: time.Second, Cooldown: 2 * time.Second})

	s.Tick(at(0, 0))
	clock.Advance(1500 * time.Millisecond)
	s.Tick(at(0, 0))
	require.Len(t, host.commands, 1, "retry is not priority and must wait for the cooldown")
	require.Len(t, s.Status().Queued, 1)
	require.Equal(t, 2, s.Status().Queued[0].Attempt)

	clock.Advance(time.Second)
	s.Tick(at(0, 0))
	require.Len(t, host.commands, 2)
}

func TestSchedulerCellChangeDropsQueuedRetry(t *testing.T) {
	s, host, results, clock := newTestScheduler(t, Settings{Timeout: time.Second, Cooldown: 2 * time.Second})

	s.Tick(at(0, 0))
	clock.Advance(1500 * time.Millisecond)
	s.Tick(at(0, 0))
	require.Len(t, s.Status().Queued, 1, "retry for 0;0 waits for the cooldown")

	s.Tick(at(5, 5))
	status := s.Status()
	require.Empty(t, status.Queued)
	require.NotNil(t, status.InFlight)
	require.Equal(t, Cell{X: 5, Z: 5}, status.InFlight.Cell)
	require.Equal(t, 1, status.PendingCells)
	require.Len(t, host.commands, 2)

	s.OnLine("Plot: 5;5")
	require.Len(t, results.records, 1)
	require.Equal(t, 80, results.records[0].CoordX)
	require.Equal(t, 80, results.records[0].CoordZ)

	clock.Advance(3 * time.Second)
	s.Tick(at(5, 5))
	require.Len(t, host.commands, 2, "the retry for the old cell must not be dispatched")
	require.Len(t, results.records, 1)
	require.Empty(t, results.failures)
}

func TestSchedulerRetryGetsFreshRequestID(t *testing.T) {
	s, host, results, clock := newTestScheduler(t, Settings{Timeout: time.Second, MaxAttempts: 3})

	s.Tick(at(3, 3))
	first := s.Status().InFlight
	require.NotNil(t, first)

	clock.Advance(1500 * time.Millisecond)
	s.Tick(at(3, 3))
	retry := s.Status().InFlight
	require.NotNil(t, retry)
	require.Len(t, host.commands, 2)
	require.Equal(t, 2, retry.Attempt)
	require.Greater(t, retry.ID, first.ID)

	s.OnRecordReady(collector.Record{PlotID: "3;3", RequestID: first.ID})
	require.Empty(t, results.records, "late answer to the first attempt is stale")

	s.OnRecordReady(collector.Record{PlotID: "3;3", RequestID: retry.ID})
	require.Len(t, results.records, 1)
}

func TestSchedulerRejectionIsTerminal(t *testing.T) {
	s, host, results, clock := newTestScheduler(t, Settings{Timeout: time.Second})

	s.Tick(at(4, 4))
	s.OnLine("You are not standing in a plot")

	require.Len(t, results.failures, 1)
	var rejected *RejectedError
	require.True(t, errors.As(results.failures[0].err, &rejected))
	require.Nil(t, s.Status().InFlight)

	clock.Advance(10 * time.Second)
	s.Tick(at(4, 4))
	require.Len(t, host.commands, 1)
}

func TestSchedulerStopClearsQueue(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Settings{})
	s.Tick(at(0, 0))
	s.Stop()

	status := s.Status()
	require.False(t, status.Running)
	require.Nil(t, status.InFlight)
	require.Zero(t, status.PendingCells)
	require.Equal(t, "idle", status.CollectorState)
}

func TestTickGate(t *testing.T) {
	var gate TickGate
	admitted := 0
	for i := 0; i < 9; i++ {
		if gate.Admit(3) {
			admitted++
		}
	}
	require.Equal(t, 3, admitted)

	var every TickGate
	require.True(t, every.Admit(1))
	require.True(t, every.Admit(0))
}

func TestNormalizeCommand(t *testing.T) {
	require.Equal(t, "plot info", NormalizeCommand(" /plot info "))
	require.Equal(t, "plot info", NormalizeCommand("plot info"))
	require.Equal(t, "", NormalizeCommand("  "))
}
