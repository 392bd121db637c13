// Package agent runs the tick loop: it feeds host ticks and text lines to the
// scheduler, hands collected records to the local index and the delivery
// pipeline, and turns asynchronous results into HUD messages.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mappaturasmd/mappatura/internal/backend"
	"github.com/mappaturasmd/mappatura/internal/collector"
	"github.com/mappaturasmd/mappatura/internal/config"
	"github.com/mappaturasmd/mappatura/internal/delivery"
	"github.com/mappaturasmd/mappatura/internal/hostbridge"
	"github.com/mappaturasmd/mappatura/internal/metrics"
	"github.com/mappaturasmd/mappatura/internal/plotindex"
	"github.com/mappaturasmd/mappatura/internal/scheduler"
)

const backendCallTimeout = 20 * time.Second

// Host is the outbound side of the host connection.
type Host interface {
	scheduler.Host
	ShowHUD(text string)
}

// Backend is the subset of *backend.Client the controller calls directly.
type Backend interface {
	CheckAccess(ctx context.Context) (backend.AuthResult, error)
	SearchPlot(ctx context.Context, query string) (backend.SearchResult, error)
	RequestWhitelist(ctx context.Context) (backend.WhitelistResult, error)
}

// Queue is the subset of *delivery.Pipeline the controller uses.
type Queue interface {
	Enqueue(rec collector.Record) bool
}

type Options struct {
	Config   *config.Store
	Host     Host
	Backend  Backend
	Queue    Queue
	Index    *plotindex.Index
	Mailbox  *Mailbox
	Identity *Identity
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// mailbox message types
type (
	authOutcome struct {
		result backend.AuthResult
		err    error
		debug  bool
	}
	searchOutcome struct {
		query  string
		result backend.SearchResult
		err    error
	}
	whitelistOutcome struct {
		result backend.WhitelistResult
		err    error
	}
	configChanged struct {
		cfg config.AppConfig
	}
)

// Controller owns the scheduler and everything that must only be touched
// from the tick loop. Run is that loop.
type Controller struct {
	cfg      *config.Store
	host     Host
	backend  Backend
	queue    Queue
	index    *plotindex.Index
	mailbox  *Mailbox
	identity *Identity
	sched    *scheduler.Scheduler
	logger   *zap.Logger
	metrics  *metrics.Metrics

	authChecked bool
	authorized  atomic.Bool
	status      atomic.Pointer[scheduler.Status]

	ctx    context.Context
	cancel context.CancelFunc
	calls  sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	if opts.Config == nil || opts.Host == nil || opts.Queue == nil {
		return nil, errors.New("agent: config, host and queue are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mailbox := opts.Mailbox
	if mailbox == nil {
		mailbox = NewMailbox()
	}
	identity := opts.Identity
	if identity == nil {
		identity = NewIdentity(backend.Operator{})
	}
	index := opts.Index
	if index == nil {
		var err error
		if index, err = plotindex.Open("", plotindex.Options{Clock: opts.Clock, Logger: logger}); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      opts.Config,
		host:     opts.Host,
		backend:  opts.Backend,
		queue:    opts.Queue,
		index:    index,
		mailbox:  mailbox,
		identity: identity,
		logger:   logger,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	current := opts.Config.Snapshot()
	c.authorized.Store(current.Authorized)
	c.sched = scheduler.New(opts.Host, c, scheduler.Options{
		Settings:         current.Scheduler(),
		DefaultDimension: current.DimensionDefault,
		Clock:            opts.Clock,
		Logger:           logger.Named("scheduler"),
		Metrics:          opts.Metrics,
	})
	opts.Config.Subscribe(func(cfg config.AppConfig) {
		mailbox.Send(configChanged{cfg: cfg})
	})
	c.publishStatus()
	return c, nil
}

// Run dispatches host messages until ctx is done or in is closed. It is the
// only goroutine that touches the scheduler.
func (c *Controller) Run(ctx context.Context, in <-chan hostbridge.Message) error {
	idle := time.NewTicker(time.Second)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			c.Dispatch(msg)
		case <-idle.C:
			// Keep delivering results while the host sends no ticks.
			c.safely("drain", c.drain)
		}
	}
}

// Close cancels outstanding backend calls and waits for them.
func (c *Controller) Close() {
	c.cancel()
	c.calls.Wait()
}

func (c *Controller) Dispatch(msg hostbridge.Message) {
	switch msg.Type {
	case hostbridge.TypeTick:
		c.OnTick(msg.TickInput())
	case hostbridge.TypeLine:
		c.OnTextLine(msg.Text)
	case hostbridge.TypeHello:
		c.identity.Set(backend.Operator{Name: msg.OperatorName, UUID: msg.OperatorUUID})
	case hostbridge.TypeRejected:
		c.safely("rejected", func() { c.sched.OnRejected(msg.Reason) })
	case hostbridge.TypeJoin:
		c.safely("join", c.OnJoin)
	case hostbridge.TypeDisconnect:
		c.safely("disconnect", c.OnDisconnect)
	case hostbridge.TypeToggle:
		c.safely("toggle", c.Toggle)
	case hostbridge.TypeAction:
		c.safely("action", func() { c.OnAction(msg.Name, msg.Arg) })
	default:
		c.logger.Debug("ignoring host message", zap.String("type", msg.Type))
	}
	c.publishStatus()
}

// OnTick drains the mailbox, runs the first-tick authorization check and
// advances the scheduler.
func (c *Controller) OnTick(in scheduler.TickInput) {
	c.safely("tick", func() {
		c.drain()
		if in.Ready && !c.authChecked {
			c.authChecked = true
			c.refreshAuthorization(false)
		}
		if strings.TrimSpace(in.Dimension) == "" {
			in.Dimension = c.cfg.Snapshot().DimensionDefault
		}
		c.sched.Tick(in)
	})
	c.publishStatus()
}

func (c *Controller) OnTextLine(raw string) {
	c.safely("line", func() { c.sched.OnLine(raw) })
	c.publishStatus()
}

func (c *Controller) Start() {
	c.sched.Start()
}

func (c *Controller) Stop() {
	c.sched.Stop()
}

func (c *Controller) Toggle() {
	if c.sched.Running() {
		c.hud("⏹ Mappatura fermata.")
		c.Stop()
		return
	}
	c.hud("▶ Mappatura avviata.")
	c.Start()
}

func (c *Controller) Running() bool {
	return c.sched.Running()
}

// OnJoin starts mapping when auto-start is on and a session code is set.
func (c *Controller) OnJoin() {
	cfg := c.cfg.Snapshot()
	if cfg.AutoStart && strings.TrimSpace(cfg.SessionCode) != "" {
		c.hud("▶ Auto-start mappatura...")
		c.Start()
	}
}

// OnDisconnect stops mapping and forgets the authorization check so it runs
// again after the next join.
func (c *Controller) OnDisconnect() {
	if c.sched.Running() {
		c.Stop()
	}
	c.authChecked = false
	c.authorized.Store(false)
}

func (c *Controller) Authorized() bool {
	return c.authorized.Load()
}

// Status returns the scheduler state as of the last processed message. Safe
// from any goroutine.
func (c *Controller) Status() scheduler.Status {
	if st := c.status.Load(); st != nil {
		return *st
	}
	return scheduler.Status{}
}

func (c *Controller) OnAction(name, arg string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case hostbridge.ActionSearch:
		c.Search(arg)
	case hostbridge.ActionWhitelist:
		c.RequestWhitelist()
	case hostbridge.ActionDebug:
		c.Debug()
	case hostbridge.ActionRefresh:
		c.refreshAuthorization(false)
	case hostbridge.ActionCache:
		c.showCache(arg)
	case hostbridge.ActionStart:
		c.Start()
	case hostbridge.ActionStop:
		c.Stop()
	default:
		c.hud("Comando sconosciuto: " + name)
	}
}

// Search asks the backend for an owner's plots; results are recorded in the
// local index when they arrive.
func (c *Controller) Search(query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		c.hud("Uso: /mappatura cerca <nome>")
		return
	}
	if c.backend == nil {
		c.showCache(query)
		return
	}
	c.hud("🔍 Ricerca di " + query)
	c.async(func(ctx context.Context) any {
		res, err := c.backend.SearchPlot(ctx, query)
		return searchOutcome{query: query, result: res, err: err}
	})
}

func (c *Controller) RequestWhitelist() {
	if c.backend == nil {
		return
	}
	c.hud("📨 Richiesta whitelist…")
	c.async(func(ctx context.Context) any {
		res, err := c.backend.RequestWhitelist(ctx)
		return whitelistOutcome{result: res, err: err}
	})
}

// Debug prints the endpoint setup and then a live checkAccess.
func (c *Controller) Debug() {
	for _, line := range DebugLines(c.cfg.Snapshot(), c.identity.Get()) {
		c.hud(line)
	}
	c.refreshAuthorization(true)
}

func (c *Controller) showCache(owner string) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owners := c.index.Owners()
		if len(owners) == 0 {
			c.hud("Nessun plot trovato.")
			return
		}
		c.hud("Proprietari: " + strings.Join(owners, ", "))
		return
	}
	for _, line := range strings.Split(c.index.FormatForChat(owner), "\n") {
		c.hud(line)
	}
}

func (c *Controller) refreshAuthorization(debug bool) {
	if c.backend == nil {
		return
	}
	if debug {
		c.hud("⏳ checkAccess…")
	}
	c.async(func(ctx context.Context) any {
		res, err := c.backend.CheckAccess(ctx)
		return authOutcome{result: res, err: err, debug: debug}
	})
}

// async runs call off the tick loop and mails its result back.
func (c *Controller) async(call func(ctx context.Context) any) {
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		ctx, cancel := context.WithTimeout(c.ctx, backendCallTimeout)
		defer cancel()
		c.mailbox.Send(call(ctx))
	}()
}

// HandleRecord records a collected plot locally and queues it for delivery
// unless it is already known to be delivered.
func (c *Controller) HandleRecord(rec collector.Record) {
	if _, err := c.index.Record(rec); err != nil {
		c.logger.Warn("plot index write failed", zap.String("plot_id", rec.PlotID), zap.Error(err))
	}
	if c.index.IsDelivered(rec.PlotID) {
		c.hud(recordSkippedLine(rec))
		return
	}
	if c.queue.Enqueue(rec) {
		c.logger.Info("plot queued for delivery",
			zap.String("plot_id", rec.PlotID),
			zap.Int("coord_x", rec.CoordX),
			zap.Int("coord_z", rec.CoordZ),
		)
	}
}

func (c *Controller) HandleProbeFailure(cell scheduler.Cell, attempts int, err error) {
	c.hud(probeFailureLine(cell, attempts, err))
}

// drain applies every mailbox message in arrival order.
func (c *Controller) drain() {
	for _, msg := range c.mailbox.Drain() {
		c.apply(msg)
	}
}

func (c *Controller) apply(msg any) {
	switch m := msg.(type) {
	case delivery.Event:
		c.applyDelivery(m)
	case authOutcome:
		c.applyAuth(m)
	case searchOutcome:
		if m.err == nil && m.result.Success {
			for _, hit := range m.result.Results {
				owner := hit.Owner
				if strings.TrimSpace(owner) == "" {
					owner = m.query
				}
				if _, err := c.index.RecordBasic(owner, hit.PlotID, hit.CoordX, hit.CoordZ); err != nil {
					c.logger.Warn("plot index write failed", zap.Error(err))
					break
				}
			}
		}
		for _, line := range SearchLines(m.query, m.result, m.err) {
			c.hud(line)
		}
	case whitelistOutcome:
		for _, line := range WhitelistLines(m.result, m.err) {
			c.hud(line)
		}
	case configChanged:
		c.sched.Configure(m.cfg.Scheduler())
		c.authorized.Store(m.cfg.Authorized)
	default:
		c.logger.Warn("unknown mailbox message", zap.Any("message", msg))
	}
}

func (c *Controller) applyDelivery(ev delivery.Event) {
	switch ev.Kind {
	case delivery.EventDelivered, delivery.EventAlreadyDelivered:
		if _, err := c.index.MarkDelivered(ev.Record.PlotID); err != nil {
			c.logger.Warn("plot index write failed", zap.String("plot_id", ev.Record.PlotID), zap.Error(err))
		}
	}
	if line := deliveryLine(ev); line != "" {
		c.hud(line)
	}
}

func (c *Controller) applyAuth(m authOutcome) {
	if m.debug {
		for _, line := range DebugAccessLines(m.result, m.err) {
			c.hud(line)
		}
	}
	authorized, message := AuthSummary(m.result, m.err)
	c.authorized.Store(authorized)
	if err := c.cfg.Update(func(cfg *config.AppConfig) {
		cfg.Authorized = authorized
		cfg.LastAuthMessage = message
	}); err != nil {
		c.logger.Warn("saving authorization state failed", zap.Error(err))
	}
	if !m.debug {
		c.hud(AuthLine(authorized))
	}
	c.logger.Info("authorization checked", zap.Bool("authorized", authorized), zap.String("message", message))
}

func (c *Controller) hud(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	c.host.ShowHUD(hudPrefix + text)
}

func (c *Controller) publishStatus() {
	st := c.sched.Status()
	c.status.Store(&st)
}

// safely keeps a panic in one handler from taking down the loop; the
// message is dropped.
func (c *Controller) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("tick loop handler panicked",
				zap.String("handler", what),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}
