package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mappaturasmd/mappatura/internal/collector"
	"github.com/mappaturasmd/mappatura/internal/metrics"
)

const (
	DefaultCommand     = "plot info"
	DefaultCooldown    = 600 * time.Millisecond
	DefaultMaxAttempts = 3
)

var ErrRetriesExhausted = errors.New("probe retries exhausted")

type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "probe rejected"
	}
	return fmt.Sprintf("probe rejected: %s", e.Reason)
}

// Cell is the spatial bucket the user currently stands in.
type Cell struct {
	X int `json:"x"`
	Z int `json:"z"`
}

type ProbeRequest struct {
	ID        uint64           `json:"requestId"`
	Cell      Cell             `json:"cell"`
	Fallback  collector.Coords `json:"fallback"`
	Dimension string           `json:"dimension,omitempty"`
	Attempt   int              `json:"attempt"`
	Priority  bool             `json:"priority"`
	IssuedAt  time.Time        `json:"issuedAt,omitempty"`
}

// TickInput is the host state sampled once per tick.
type TickInput struct {
	Ready     bool
	Cell      Cell
	Position  collector.Coords
	Dimension string
}

type Host interface {
	IssueCommand(text string)
}

type ResultHandler interface {
	HandleRecord(rec collector.Record)
	HandleProbeFailure(cell Cell, attempts int, err error)
}

type Settings struct {
	Command      string
	Cooldown     time.Duration
	Timeout      time.Duration
	MaxAttempts  int
	TickInterval int
}

func (s Settings) withDefaults() Settings {
	if strings.TrimSpace(s.Command) == "" {
		s.Command = DefaultCommand
	}
	if s.Cooldown < 0 {
		s.Cooldown = DefaultCooldown
	}
	s.Timeout = collector.EffectiveTimeout(s.Timeout)
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.TickInterval <= 0 {
		s.TickInterval = 1
	}
	return s
}

type Options struct {
	Settings
	DefaultDimension string
	Clock            func() time.Time
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

type Status struct {
	Running        bool           `json:"running"`
	Queued         []ProbeRequest `json:"queued"`
	InFlight       *ProbeRequest  `json:"inFlight,omitempty"`
	PendingCells   int            `json:"pendingCells"`
	LastProbeAt    time.Time      `json:"lastProbeAt,omitempty"`
	LastCell       *Cell          `json:"lastCell,omitempty"`
	CollectorState string         `json:"collectorState"`
}

// Scheduler drives the probe lifecycle: at most one probe in flight, one
// pending probe per cell, bounded retries on timeout. Every method must be
// called from the tick loop.
type Scheduler struct {
	host      Host
	results   ResultHandler
	collector *collector.ResponseCollector
	gate      TickGate
	settings  Settings
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics

	running     bool
	queue       []*ProbeRequest
	inFlight    *ProbeRequest
	pending     map[Cell]struct{}
	nextID      uint64
	lastProbeAt time.Time
	lastCell    *Cell
}

func New(host Host, results ResultHandler, opts Options) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		host:     host,
		results:  results,
		settings: opts.Settings.withDefaults(),
		clock:    clock,
		logger:   logger,
		metrics:  opts.Metrics,
		pending:  map[Cell]struct{}{},
	}
	s.collector = collector.New(s, collector.Options{
		DefaultDimension: opts.DefaultDimension,
		Clock:            clock,
		Logger:           logger.Named("collector"),
	})
	return s
}

func (s *Scheduler) Configure(settings Settings) {
	s.settings = settings.withDefaults()
}

func (s *Scheduler) Settings() Settings {
	return s.settings
}

func (s *Scheduler) Start() {
	if s.running {
		return
	}
	s.running = true
	s.logger.Info("mapping started")
}

// Stop abandons all probe state.
func (s *Scheduler) Stop() {
	s.running = false
	s.collector.ForceReset()
	s.queue = nil
	s.inFlight = nil
	s.pending = map[Cell]struct{}{}
	s.lastCell = nil
	s.metrics.SetProbeQueueDepth(0)
	s.logger.Info("mapping stopped")
}

func (s *Scheduler) Running() bool {
	return s.running
}

// OnLine forwards an incoming text line to the collector.
func (s *Scheduler) OnLine(raw string) {
	s.collector.OnLine(raw)
}

func (s *Scheduler) Tick(in TickInput) {
	if !s.running || !in.Ready {
		return
	}
	if !s.gate.Admit(s.settings.TickInterval) {
		return
	}
	now := s.clock()

	s.collector.Tick(s.settings.Timeout)

	if s.lastCell == nil || *s.lastCell != in.Cell {
		if s.inFlight != nil && s.inFlight.Cell != in.Cell {
			s.abandonInFlight()
		}
		s.dropQueuedOutside(in.Cell)
		if _, ok := s.pending[in.Cell]; !ok {
			s.nextID++
			s.pushFront(&ProbeRequest{
				ID:        s.nextID,
				Cell:      in.Cell,
				Fallback:  in.Position,
				Dimension: in.Dimension,
				Attempt:   1,
				Priority:  true,
			})
			s.pending[in.Cell] = struct{}{}
		}
		cell := in.Cell
		s.lastCell = &cell
	}

	s.dispatch(now)
}

func (s *Scheduler) dispatch(now time.Time) {
	if s.inFlight != nil || len(s.queue) == 0 {
		return
	}
	head := s.queue[0]
	if !head.Priority && !s.lastProbeAt.IsZero() && now.Sub(s.lastProbeAt) < s.settings.Cooldown {
		return
	}
	s.queue = s.queue[1:]
	s.metrics.SetProbeQueueDepth(len(s.queue))

	head.IssuedAt = now
	s.inFlight = head
	s.lastProbeAt = now
	s.host.IssueCommand(s.settings.Command)
	fallback := head.Fallback
	s.collector.BeginRequest(head.ID, &fallback, head.Dimension)
	s.metrics.ProbeIssued()
	s.logger.Debug("probe dispatched",
		zap.Uint64("request_id", head.ID),
		zap.Int("cell_x", head.Cell.X),
		zap.Int("cell_z", head.Cell.Z),
		zap.Int("attempt", head.Attempt),
	)
}

func (s *Scheduler) abandonInFlight() {
	req := s.inFlight
	s.inFlight = nil
	s.collector.ForceReset()
	delete(s.pending, req.Cell)
	s.metrics.ProbeOutcome("abandoned")
	s.logger.Debug("probe abandoned after cell change", zap.Uint64("request_id", req.ID))
}

// dropQueuedOutside forgets queued retries for cells the player has left; their
// fallback coordinates would be paired with the answer for the new cell.
func (s *Scheduler) dropQueuedOutside(cell Cell) {
	kept := s.queue[:0]
	for _, req := range s.queue {
		if req.Cell == cell {
			kept = append(kept, req)
			continue
		}
		delete(s.pending, req.Cell)
		s.metrics.ProbeOutcome("abandoned")
		s.logger.Debug("queued request dropped after cell change", zap.Uint64("request_id", req.ID))
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	s.metrics.SetProbeQueueDepth(len(s.queue))
}

func (s *Scheduler) OnRecordReady(rec collector.Record) {
	if s.inFlight == nil || rec.RequestID != s.inFlight.ID {
		s.metrics.ProbeOutcome("stale")
		s.logger.Debug("stale record ignored", zap.Uint64("request_id", rec.RequestID))
		return
	}
	req := s.inFlight
	s.inFlight = nil
	delete(s.pending, req.Cell)
	s.metrics.ProbeOutcome("record")
	if s.results != nil {
		s.results.HandleRecord(rec)
	}
}

func (s *Scheduler) OnTimeout() {
	req := s.inFlight
	if req == nil {
		return
	}
	s.inFlight = nil
	s.metrics.ProbeOutcome("timeout")
	if req.Attempt < s.settings.MaxAttempts {
		previous := req.ID
		s.nextID++
		req.ID = s.nextID
		req.Attempt++
		req.Priority = false
		s.pushFront(req)
		s.logger.Debug("probe timed out, retrying",
			zap.Uint64("previous_request_id", previous),
			zap.Uint64("request_id", req.ID),
			zap.Int("attempt", req.Attempt),
		)
		return
	}
	delete(s.pending, req.Cell)
	s.metrics.ProbeOutcome("exhausted")
	s.logger.Warn("probe retries exhausted",
		zap.Int("cell_x", req.Cell.X),
		zap.Int("cell_z", req.Cell.Z),
		zap.Int("attempts", req.Attempt),
	)
	if s.results != nil {
		s.results.HandleProbeFailure(req.Cell, req.Attempt, ErrRetriesExhausted)
	}
}

// OnRejected ends the in-flight probe without retry. The host may call it
// directly when it detects the rejection itself.
func (s *Scheduler) OnRejected(reason string) {
	req := s.inFlight
	if req == nil {
		return
	}
	s.inFlight = nil
	s.collector.ForceReset()
	delete(s.pending, req.Cell)
	s.metrics.ProbeOutcome("rejected")
	if s.results != nil {
		s.results.HandleProbeFailure(req.Cell, req.Attempt, &RejectedError{Reason: strings.TrimSpace(reason)})
	}
}

func (s *Scheduler) Status() Status {
	status := Status{
		Running:        s.running,
		Queued:         make([]ProbeRequest, 0, len(s.queue)),
		PendingCells:   len(s.pending),
		LastProbeAt:    s.lastProbeAt,
		CollectorState: s.collector.State().String(),
	}
	for _, req := range s.queue {
		status.Queued = append(status.Queued, *req)
	}
	if s.inFlight != nil {
		req := *s.inFlight
		status.InFlight = &req
	}
	if s.lastCell != nil {
		cell := *s.lastCell
		status.LastCell = &cell
	}
	return status
}

func (s *Scheduler) pushFront(req *ProbeRequest) {
	s.queue = append([]*ProbeRequest{req}, s.queue...)
	s.metrics.SetProbeQueueDepth(len(s.queue))
}

// NormalizeCommand strips one leading slash; hosts expect the bare command.
func NormalizeCommand(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "/")
	return strings.TrimSpace(text)
}
