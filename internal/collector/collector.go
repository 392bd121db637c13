package collector

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout = 5 * time.Second
	MinTimeout     = time.Second
)

type State int

const (
	StateIdle State = iota
	StateCollecting
	StateEmitted
	StateTimedOut
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateEmitted:
		return "emitted"
	case StateTimedOut:
		return "timed_out"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Listener receives the outcome of a collection. Exactly one method is called
// per request that reaches a terminal state.
type Listener interface {
	OnRecordReady(rec Record)
	OnTimeout()
	OnRejected(reason string)
}

type Options struct {
	DefaultDimension string
	Clock            func() time.Time
	Logger           *zap.Logger
}

// ResponseCollector correlates free-form text lines with the probe that is
// currently outstanding. It is owned by the tick loop and is not safe for
// concurrent use.
type ResponseCollector struct {
	listener         Listener
	clock            func() time.Time
	logger           *zap.Logger
	defaultDimension string

	state     State
	lastState State
	requestID uint64
	startedAt time.Time
	fallback  *Coords
	dimension string

	plotID     string
	coords     *Coords
	owner      string
	lastAccess string
}

func New(listener Listener, opts Options) *ResponseCollector {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dimension := opts.DefaultDimension
	if dimension == "" {
		dimension = DefaultDimension
	}
	return &ResponseCollector{
		listener:         listener,
		clock:            clock,
		logger:           logger,
		defaultDimension: dimension,
	}
}

func (c *ResponseCollector) SetListener(listener Listener) {
	c.listener = listener
}

func (c *ResponseCollector) State() State {
	return c.state
}

// LastOutcome is the terminal state reached by the previous collection.
func (c *ResponseCollector) LastOutcome() State {
	return c.lastState
}

func (c *ResponseCollector) RequestID() uint64 {
	return c.requestID
}

// BeginRequest arms the collector for a new probe, discarding whatever the
// previous one had gathered.
func (c *ResponseCollector) BeginRequest(requestID uint64, fallback *Coords, dimensionHint string) {
	c.reset()
	c.requestID = requestID
	if fallback != nil {
		cp := *fallback
		c.fallback = &cp
	}
	c.dimension = dimensionHint
	if c.dimension == "" {
		c.dimension = c.defaultDimension
	}
	c.state = StateCollecting
	c.startedAt = c.clock()
	c.logger.Debug("collector armed",
		zap.Uint64("request_id", requestID),
		zap.String("dimension", c.dimension),
	)
}

func (c *ResponseCollector) OnLine(raw string) {
	if c.state != StateCollecting {
		return
	}
	line := CleanLine(raw)
	if line == "" {
		return
	}
	fields := Extract(line)
	if fields.Empty() {
		return
	}
	c.logger.Debug("collector line matched", zap.String("line", line), zap.Uint64("request_id", c.requestID))

	if c.plotID == "" && fields.PlotID != "" {
		c.plotID = fields.PlotID
	}
	if c.coords == nil && fields.Coords != nil {
		cp := *fields.Coords
		c.coords = &cp
	}
	if fields.Owner != "" {
		c.owner = fields.Owner
	}
	if fields.LastAccess != "" {
		c.lastAccess = fields.LastAccess
	}
	if fields.Rejection != "" {
		c.finish(StateRejected)
		if c.listener != nil {
			c.listener.OnRejected(fields.Rejection)
		}
		return
	}
	c.emitIfPossible()
}

// Tick enforces the soft timeout. A non-positive timeout selects
// DefaultTimeout; anything below MinTimeout is raised to it. Every line is
// checked for a complete record as it arrives, so a collection still open
// here lacks a plot id, or lacks coordinates with no fallback, and ends
// without a record.
func (c *ResponseCollector) Tick(timeout time.Duration) {
	if c.state != StateCollecting {
		return
	}
	timeout = EffectiveTimeout(timeout)
	if c.clock().Sub(c.startedAt) <= timeout {
		return
	}
	c.logger.Debug("collector timed out", zap.Uint64("request_id", c.requestID))
	c.finish(StateTimedOut)
	if c.listener != nil {
		c.listener.OnTimeout()
	}
}

func (c *ResponseCollector) ForceReset() {
	c.reset()
}

func EffectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	if timeout < MinTimeout {
		return MinTimeout
	}
	return timeout
}

// emitIfPossible needs a plot id; coordinates come from the chat or, failing
// that, the fallback passed to BeginRequest.
func (c *ResponseCollector) emitIfPossible() {
	coords := c.coords
	if coords == nil {
		coords = c.fallback
	}
	if c.plotID == "" || coords == nil {
		return
	}
	rec := Record{
		PlotID:     c.plotID,
		CoordX:     coords.X,
		CoordZ:     coords.Z,
		Dimension:  c.dimension,
		Owner:      c.owner,
		LastAccess: NormalizeLastAccess(c.lastAccess),
		RequestID:  c.requestID,
	}
	c.logger.Info("plot record emitted",
		zap.String("plot_id", rec.PlotID),
		zap.Int("coord_x", rec.CoordX),
		zap.Int("coord_z", rec.CoordZ),
		zap.Bool("fallback_coords", c.coords == nil),
	)
	c.finish(StateEmitted)
	if c.listener != nil {
		c.listener.OnRecordReady(rec)
	}
}

func (c *ResponseCollector) finish(outcome State) {
	c.reset()
	c.lastState = outcome
}

func (c *ResponseCollector) reset() {
	c.state = StateIdle
	c.requestID = 0
	c.startedAt = time.Time{}
	c.fallback = nil
	c.dimension = ""
	c.plotID = ""
	c.coords = nil
	c.owner = ""
	c.lastAccess = ""
}
