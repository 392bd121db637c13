package hostbridge

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mappaturasmd/mappatura/internal/metrics"
	"github.com/mappaturasmd/mappatura/internal/scheduler"
)

const (
	DefaultURL            = "ws://127.0.0.1:25570/agent"
	defaultInboundBuffer  = 256
	defaultOutboundBuffer = 64
	defaultReconnectMin   = 500 * time.Millisecond
	defaultReconnectMax   = 15 * time.Second
	defaultJitterRatio    = 0.2
)

var ErrAlreadyRunning = errors.New("host bridge already running")

type Options struct {
	URL            string
	Token          string
	InboundBuffer  int
	OutboundBuffer int
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration

	// JitterRatio spreads reconnect delays; zero means the default and a
	// negative value disables jitter.
	JitterRatio float64

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Rand returns a sample in [0,1) for reconnect jitter.
	Rand func() float64
}

// Bridge connects to the game client over a websocket. Inbound frames are
// delivered on Inbound(); commands and HUD lines queue for the writer and
// are dropped when the queue is full, so the tick loop never blocks on the
// network.
type Bridge struct {
	url          string
	token        string
	reconnectMin time.Duration
	reconnectMax time.Duration
	jitterRatio  float64
	logger       *zap.Logger
	metrics      *metrics.Metrics

	randMu sync.Mutex
	rand   func() float64

	inbound   chan Message
	outbound  chan Message
	running   atomic.Bool
	connected atomic.Bool
}

func New(opts Options) *Bridge {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = DefaultURL
	}
	inbound := opts.InboundBuffer
	if inbound <= 0 {
		inbound = defaultInboundBuffer
	}
	outbound := opts.OutboundBuffer
	if outbound <= 0 {
		outbound = defaultOutboundBuffer
	}
	minDelay := opts.ReconnectMin
	if minDelay <= 0 {
		minDelay = defaultReconnectMin
	}
	maxDelay := opts.ReconnectMax
	if maxDelay < minDelay {
		maxDelay = defaultReconnectMax
		if maxDelay < minDelay {
			maxDelay = minDelay
		}
	}
	jitter := opts.JitterRatio
	if jitter == 0 {
		jitter = defaultJitterRatio
	}
	sample := opts.Rand
	if sample == nil {
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		sample = src.Float64
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		url:          url,
		token:        strings.TrimSpace(opts.Token),
		reconnectMin: minDelay,
		reconnectMax: maxDelay,
		jitterRatio:  clampJitterRatio(jitter),
		logger:       logger,
		metrics:      opts.Metrics,
		rand:         sample,
		inbound:      make(chan Message, inbound),
		outbound:     make(chan Message, outbound),
	}
}

// Inbound is closed when Run returns.
func (b *Bridge) Inbound() <-chan Message {
	return b.inbound
}

func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// IssueCommand sends a chat command without its leading slash.
func (b *Bridge) IssueCommand(text string) {
	text = scheduler.NormalizeCommand(text)
	if text == "" {
		return
	}
	b.enqueue(Message{Type: TypeCommand, Text: text})
}

func (b *Bridge) ShowHUD(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	b.enqueue(Message{Type: TypeHUD, Text: text})
}

func (b *Bridge) enqueue(msg Message) {
	select {
	case b.outbound <- msg:
	default:
		b.logger.Warn("host outbound queue full, dropping message",
			zap.String("type", msg.Type),
			zap.String("text", msg.Text),
		)
	}
}

// Run dials the host and keeps the connection up until ctx is cancelled.
// Every lost connection is reported inbound as a disconnect message.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(b.inbound)

	header := http.Header{}
	if b.token != "" {
		header.Set("Authorization", "Bearer "+b.token)
	}

	failures := 0
	for {
		conn, _, err := websocket.Dial(ctx, b.url, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			delay := b.nextDelay(failures)
			b.logger.Warn("host dial failed",
				zap.String("url", b.url),
				zap.Int("failures", failures),
				zap.Duration("retryIn", delay),
				zap.Error(err),
			)
			if !sleepContext(ctx, delay) {
				return nil
			}
			continue
		}

		failures = 0
		b.connected.Store(true)
		b.logger.Info("host connected", zap.String("url", b.url))
		err = b.serve(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		b.connected.Store(false)
		b.discardOutbound()
		b.deliver(ctx, Message{Type: TypeDisconnect})

		if ctx.Err() != nil {
			return nil
		}
		failures++
		delay := b.nextDelay(failures)
		b.logger.Warn("host connection lost",
			zap.Duration("retryIn", delay),
			zap.Error(err),
		)
		if !sleepContext(ctx, delay) {
			return nil
		}
	}
}

func (b *Bridge) serve(ctx context.Context, conn *websocket.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			var msg Message
			if err := wsjson.Read(gctx, conn, &msg); err != nil {
				return err
			}
			if msg.Type == "" {
				continue
			}
			b.metrics.HostMessage("in", msg.Type)
			if !b.deliver(gctx, msg) {
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case msg := <-b.outbound:
				if err := wsjson.Write(gctx, conn, msg); err != nil {
					return err
				}
				b.metrics.HostMessage("out", msg.Type)
			}
		}
	})
	return g.Wait()
}

func (b *Bridge) deliver(ctx context.Context, msg Message) bool {
	select {
	case b.inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// discardOutbound drops frames queued for a connection that is gone. A probe
// command replayed on the next connection would be answered out of context.
func (b *Bridge) discardOutbound() {
	for {
		select {
		case <-b.outbound:
		default:
			return
		}
	}
}

func (b *Bridge) nextDelay(failures int) time.Duration {
	b.randMu.Lock()
	sample := b.rand()
	b.randMu.Unlock()
	return jitteredIntervalWithSample(reconnectDelay(failures, b.reconnectMin, b.reconnectMax), b.jitterRatio, sample)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
