package peersync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prasenjit/omock/internal/logging"
	"github.com/prasenjit/omock/internal/metrics"
	"github.com/prasenjit/omock/internal/models"
	"go.uber.org/zap"
)

// Push operations, used as the metric op label
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpClear  = "clear"
)

// Pusher fans local mutations out to every known peer. Each push runs in its
// own goroutine bounded by the push timeout; failures are logged and dropped.
type Pusher struct {
	dir     Directory
	client  *Client
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	wg sync.WaitGroup
}

// PusherOption configures a Pusher
type PusherOption func(*Pusher)

// WithPushTimeout bounds each push to one peer. Non-positive values keep the default.
func WithPushTimeout(d time.Duration) PusherOption {
	return func(p *Pusher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPusherMetrics counts push results in m
func WithPusherMetrics(m *metrics.Metrics) PusherOption {
	return func(p *Pusher) { p.metrics = m }
}

// WithPusherLogger sets the logger for failed pushes
func WithPusherLogger(l *zap.Logger) PusherOption {
	return func(p *Pusher) { p.logger = logging.OrNop(l) }
}

// NewPusher creates a pusher sending through client to the peers of dir
func NewPusher(dir Directory, client *Client, opts ...PusherOption) *Pusher {
	p := &Pusher{
		dir:     dir,
		client:  client,
		timeout: 5 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Created sends def to every peer in the background
func (p *Pusher) Created(def *models.Definition) {
	def = def.Clone()
	p.fanOut(OpCreate, def.ID.String(), func(ctx context.Context, peer string) error {
		return p.client.PushCreate(ctx, peer, def)
	})
}

// Updated sends the new version of def to every peer in the background
func (p *Pusher) Updated(def *models.Definition) {
	def = def.Clone()
	p.fanOut(OpUpdate, def.ID.String(), func(ctx context.Context, peer string) error {
		return p.client.PushUpdate(ctx, peer, def)
	})
}

// Deleted tells every peer to drop id
func (p *Pusher) Deleted(id uuid.UUID) {
	p.fanOut(OpDelete, id.String(), func(ctx context.Context, peer string) error {
		return p.client.PushDelete(ctx, peer, id)
	})
}

// Cleared tells every peer to drop all definitions
func (p *Pusher) Cleared() {
	p.fanOut(OpClear, "", func(ctx context.Context, peer string) error {
		return p.client.PushClear(ctx, peer)
	})
}

// Wait blocks until every in-flight push has finished
func (p *Pusher) Wait() {
	p.wg.Wait()
}

func (p *Pusher) fanOut(op, id string, send func(ctx context.Context, peer string) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		peers, err := p.dir.Peers(ctx)
		if err != nil {
			p.logger.Warn("push skipped: peer lookup failed", zap.String("op", op), zap.Error(err))
			p.metrics.ObservePush(op, metrics.ResultSkipped)
			return
		}

		var sends sync.WaitGroup
		defer sends.Wait()

		for _, peer := range peers {
			sends.Add(1)
			go func() {
				defer sends.Done()
				if err := send(ctx, peer); err != nil {
					p.logger.Warn("push failed",
						zap.String("op", op),
						zap.String("id", id),
						zap.String("peer", peer),
						zap.Error(err),
					)
					p.metrics.ObservePush(op, metrics.ResultError)
					return
				}
				p.metrics.ObservePush(op, metrics.ResultOK)
			}()
		}
	}()
}
