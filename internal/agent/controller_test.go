package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mappaturasmd/mappatura/internal/backend"
	"github.com/mappaturasmd/mappatura/internal/collector"
	"github.com/mappaturasmd/mappatura/internal/config"
	"github.com/mappaturasmd/mappatura/internal/delivery"
	"github.com/mappaturasmd/mappatura/internal/hostbridge"
	"github.com/mappaturasmd/mappatura/internal/plotindex"
	"github.com/mappaturasmd/mappatura/internal/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHost struct {
	mu       sync.Mutex
	commands []string
	hud      []string
	panicOn  string
}

func (h *fakeHost) IssueCommand(text string) {
	if h.panicOn != "" && text == h.panicOn {
		panic("host exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, text)
}

func (h *fakeHost) ShowHUD(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hud = append(h.hud, text)
}

func (h *fakeHost) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

func (h *fakeHost) HUDContains(fragment string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, line := range h.hud {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

type fakeBackend struct {
	auth      backend.AuthResult
	search    backend.SearchResult
	whitelist backend.WhitelistResult

	mu    sync.Mutex
	calls []string
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *fakeBackend) CheckAccess(ctx context.Context) (backend.AuthResult, error) {
	b.record("checkAccess")
	return b.auth, nil
}

func (b *fakeBackend) SearchPlot(ctx context.Context, query string) (backend.SearchResult, error) {
	b.record("searchPlot:" + query)
	return b.search, nil
}

func (b *fakeBackend) RequestWhitelist(ctx context.Context) (backend.WhitelistResult, error) {
	b.record("whitelistRequest")
	return b.whitelist, nil
}

type fakeQueue struct {
	records []collector.Record
}

func (q *fakeQueue) Enqueue(rec collector.Record) bool {
	q.records = append(q.records, rec)
	return true
}

type harness struct {
	ctrl    *Controller
	host    *fakeHost
	backend *fakeBackend
	queue   *fakeQueue
	cfg     *config.Store
	index   *plotindex.Index
	mailbox *Mailbox
}

func newHarness(t *testing.T, mutate func(*config.AppConfig)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.SessionCode = "S-1"
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		host:    &fakeHost{},
		backend: &fakeBackend{auth: backend.AuthResult{Authorized: true, HTTPStatus: 200}},
		queue:   &fakeQueue{},
		cfg:     config.NewStore(cfg),
		mailbox: NewMailbox(),
	}
	index, err := plotindex.Open("", plotindex.Options{})
	require.NoError(t, err)
	h.index = index
	clock := time.Unix(1_700_000_000, 0)
	ctrl, err := New(Options{
		Config:  h.cfg,
		Host:    h.host,
		Backend: h.backend,
		Queue:   h.queue,
		Index:   index,
		Mailbox: h.mailbox,
		Clock:   func() time.Time { return clock },
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(ctrl.Close)
	return h
}

func tickAt(x, z int) scheduler.TickInput {
	return scheduler.TickInput{Ready: true, Cell: scheduler.Cell{X: x, Z: z}, Position: collector.Coords{X: x * 16, Z: z * 16}}
}

// waitForMail blocks until an async backend call has reported back.
func (h *harness) waitForMail(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.mailbox.Len() > 0 }, time.Second, 5*time.Millisecond)
}

func TestProbeResponseIsQueuedForDelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start()

	h.ctrl.OnTick(tickAt(1, 2))
	require.Equal(t, []string{"plot info"}, h.host.Commands())

	h.ctrl.OnTextLine("§6Plot §e5;-3 §7x: 80 z: -48")
	require.Len(t, h.queue.records, 1)
	rec := h.queue.records[0]
	require.Equal(t, "5;-3", rec.PlotID)
	require.Equal(t, 80, rec.CoordX)
	require.Equal(t, -48, rec.CoordZ)
	require.Equal(t, "overworld", rec.Dimension)
	require.True(t, h.index.IsPlotMapped("5;-3"))
	require.Zero(t, h.ctrl.Status().PendingCells)
}

func TestDeliveredPlotsAreNotQueuedAgain(t *testing.T) {
	h := newHarness(t, nil)
	rec := collector.Record{PlotID: "7;7", CoordX: 112, CoordZ: 112, Owner: "Anna"}

	h.ctrl.HandleRecord(rec)
	require.Len(t, h.queue.records, 1)

	h.mailbox.Post(delivery.Event{Kind: delivery.EventDelivered, Record: rec, Attempt: 1})
	h.ctrl.OnTick(scheduler.TickInput{})
	require.True(t, h.index.IsDelivered("7;7"))
	require.True(t, h.host.HUDContains("Plot salvato: 7;7 (112, 112)"))

	h.ctrl.HandleRecord(rec)
	require.Len(t, h.queue.records, 1)
	require.True(t, h.host.HUDContains("Plot già presente: 7;7"))
}

func TestFailedDeliveryShowsDetail(t *testing.T) {
	h := newHarness(t, nil)
	h.mailbox.Post(delivery.Event{
		Kind:   delivery.EventFailed,
		Record: collector.Record{PlotID: "1;1"},
		Err:    &delivery.SubmitError{Status: 403, Detail: "FORBIDDEN", Err: delivery.ErrAuthorizationDenied},
	})
	h.mailbox.Post(delivery.Event{Kind: delivery.EventSuspended, Err: delivery.ErrSessionMissing})
	h.ctrl.OnTick(scheduler.TickInput{})

	require.True(t, h.host.HUDContains("Submit fallito: FORBIDDEN"))
	require.True(t, h.host.HUDContains("Invio sospeso: codice sessione mancante"))
}

func TestFirstReadyTickChecksAuthorization(t *testing.T) {
	h := newHarness(t, nil)

	h.ctrl.OnTick(scheduler.TickInput{Ready: false})
	h.ctrl.OnTick(tickAt(0, 0))
	h.waitForMail(t)
	h.ctrl.OnTick(tickAt(0, 0))

	require.True(t, h.ctrl.Authorized())
	snapshot := h.cfg.Snapshot()
	require.True(t, snapshot.Authorized)
	require.Equal(t, "OK", snapshot.LastAuthMessage)
	require.True(t, h.host.HUDContains(AuthLine(true)))

	h.backend.mu.Lock()
	calls := append([]string(nil), h.backend.calls...)
	h.backend.mu.Unlock()
	require.Equal(t, []string{"checkAccess"}, calls, "checked once per connection")
}

func TestJoinAutoStartsAndDisconnectStops(t *testing.T) {
	h := newHarness(t, func(cfg *config.AppConfig) { cfg.AutoStart = true })

	h.ctrl.Dispatch(hostbridge.Message{Type: hostbridge.TypeJoin})
	require.True(t, h.ctrl.Running())
	require.True(t, h.ctrl.Status().Running)

	h.ctrl.Dispatch(hostbridge.Message{Type: hostbridge.TypeDisconnect})
	require.False(t, h.ctrl.Running())
	require.False(t, h.ctrl.Authorized())
}

func TestJoinWithoutSessionDoesNotStart(t *testing.T) {
	h := newHarness(t, func(cfg *config.AppConfig) {
		cfg.AutoStart = true
		cfg.SessionCode = ""
	})
	h.ctrl.OnJoin()
	require.False(t, h.ctrl.Running())
}

func TestToggle(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Dispatch(hostbridge.Message{Type: hostbridge.TypeToggle})
	require.True(t, h.ctrl.Running())
	h.ctrl.Dispatch(hostbridge.Message{Type: hostbridge.TypeToggle})
	require.False(t, h.ctrl.Running())
}

func TestRejectedProbeReportsOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start()
	h.ctrl.OnTick(tickAt(3, 3))

	h.ctrl.Dispatch(hostbridge.Message{Type: hostbridge.TypeRejected, Reason: "non sei in un plot"})
	require.True(t, h.host.HUDContains("Probe rifiutato: non sei in un plot"))
	require.Nil(t, h.ctrl.Status().InFlight)
	require.Empty(t, h.queue.records)
}

func TestPanickingHostDoesNotEscapeTick(t *testing.T) {
	h := newHarness(t, nil)
	h.host.panicOn = "plot info"
	h.ctrl.Start()
	require.NotPanics(t, func() { h.ctrl.OnTick(tickAt(0, 1)) })
}

func TestHelloSetsOperator(t *testing.T) {
	identity := NewIdentity(backend.Operator{})
	h := newHarness(t, nil)
	h.ctrl.identity = identity
	h.ctrl.Dispatch(hostbridge.Message{Type: hostbridge.TypeHello, OperatorName: " Steve ", OperatorUUID: "0000-11"})
	require.Equal(t, backend.Operator{Name: "Steve", UUID: "0000-11"}, identity.Get())
}

func TestSearchRecordsRemoteHits(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.search = backend.SearchResult{
		Success: true,
		Results: []backend.SearchHit{{PlotID: "2;3", CoordX: 32, CoordZ: 48}},
	}

	h.ctrl.Dispatch(hostbridge.Message{Type: hostbridge.TypeAction, Name: "search", Arg: "Luigi"})
	h.waitForMail(t)
	h.ctrl.OnTick(scheduler.TickInput{})

	require.True(t, h.host.HUDContains("Risultati trovati: 1"))
	require.True(t, h.host.HUDContains("• 2;3 (32, 48)"))
	require.Len(t, h.index.Search("luigi"), 1)
}

func TestCacheActionListsLocalPlots(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.index.RecordBasic("Anna", "1;2", 16, 32)
	require.NoError(t, err)

	h.ctrl.OnAction("cache", "anna")
	require.True(t, h.host.HUDContains("1;2 - (16, 32)"))

	h.ctrl.OnAction("cache", "")
	require.True(t, h.host.HUDContains("Proprietari: Anna"))
}

func TestConfigChangesReachScheduler(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.cfg.Update(func(cfg *config.AppConfig) { cfg.PlotInfoCommand = "/p i" }))
	h.ctrl.Start()
	h.ctrl.OnTick(tickAt(4, 4))
	require.Equal(t, []string{"/p i"}, h.host.Commands())
}

func TestMailboxDrainsInOrder(t *testing.T) {
	m := NewMailbox()
	m.Send(1)
	m.Send(nil)
	m.Post(delivery.Event{Kind: delivery.EventRetrying})
	m.Send("three")
	require.Equal(t, 3, m.Len())
	require.Equal(t, []any{1, delivery.Event{Kind: delivery.EventRetrying}, "three"}, m.Drain())
	require.Zero(t, m.Len())
	require.Empty(t, m.Drain())
}
