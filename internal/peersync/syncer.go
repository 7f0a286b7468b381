package peersync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prasenjit/omock/internal/logging"
	"github.com/prasenjit/omock/internal/metrics"
	"github.com/prasenjit/omock/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Applier merges a remote definition under last-write-wins
type Applier interface {
	ApplyRemote(def *models.Definition) (bool, error)
}

// Config controls the pull loop
type Config struct {
	InitialDelay      time.Duration
	Interval          time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RequestTimeout    time.Duration
	Concurrency       int
	ReadyWithoutPeers bool
}

// DefaultConfig returns the pull settings used when none are configured
func DefaultConfig() Config {
	return Config{
		InitialDelay:      2 * time.Second,
		Interval:          60 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		RequestTimeout:    10 * time.Second,
		Concurrency:       4,
		ReadyWithoutPeers: true,
	}
}

// CycleResult summarizes one pull cycle
type CycleResult struct {
	Peers    int `json:"peers"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
}

// Status is a point-in-time view of the synchronizer
type Status struct {
	Ready       bool              `json:"ready"`
	Peers       []string          `json:"peers"`
	SyncedPeers []string          `json:"synced_peers"`
	Cycles      int               `json:"cycles"`
	LastCycle   time.Time         `json:"last_cycle,omitzero"`
	LastResult  *CycleResult      `json:"last_result,omitempty"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// Syncer periodically pulls every peer's definitions and merges them locally
type Syncer struct {
	cfg     Config
	dir     Directory
	client  *Client
	applier Applier
	metrics *metrics.Metrics
	logger  *zap.Logger

	group singleflight.Group
	ready atomic.Bool

	mu         sync.RWMutex
	synced     map[string]struct{}
	lastPeers  []string
	lastErrors map[string]string
	lastCycle  time.Time
	lastResult *CycleResult
	cycles     int
}

// SyncerOption configures a Syncer
type SyncerOption func(*Syncer)

// WithSyncerMetrics records pull outcomes and the synced peer count in m
func WithSyncerMetrics(m *metrics.Metrics) SyncerOption {
	return func(s *Syncer) { s.metrics = m }
}

// WithSyncerLogger sets the logger for cycle and peer events
func WithSyncerLogger(l *zap.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = logging.OrNop(l) }
}

// NewSyncer creates a pull synchronizer. Zero config fields take defaults.
func NewSyncer(cfg Config, dir Directory, client *Client, applier Applier, opts ...SyncerOption) *Syncer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}

	s := &Syncer{
		cfg:        cfg,
		dir:        dir,
		client:     client,
		applier:    applier,
		logger:     zap.NewNop(),
		synced:     make(map[string]struct{}),
		lastErrors: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run waits the initial delay then pulls every interval until ctx is done
func (s *Syncer) Run(ctx context.Context) {
	if !sleepCtx(ctx, s.cfg.InitialDelay) {
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncNow(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sync cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("sync loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// SyncNow runs one pull cycle. Concurrent callers share a single cycle.
func (s *Syncer) SyncNow(ctx context.Context) (*CycleResult, error) {
	v, err, _ := s.group.Do("cycle", func() (any, error) {
		return s.cycle(ctx)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*CycleResult)
	return &res, nil
}

// Ready reports whether the instance has converged with at least one peer,
// or found none when that is allowed
func (s *Syncer) Ready() bool {
	return s.ready.Load()
}

// SyncedPeers returns how many peers were pulled successfully at least once
func (s *Syncer) SyncedPeers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.synced)
}

// Status returns a snapshot of the synchronizer state
func (s *Syncer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Ready:       s.ready.Load(),
		Peers:       slices.Clone(s.lastPeers),
		SyncedPeers: make([]string, 0, len(s.synced)),
		Cycles:      s.cycles,
		LastCycle:   s.lastCycle,
	}
	if st.Peers == nil {
		st.Peers = []string{}
	}
	for p := range s.synced {
		st.SyncedPeers = append(st.SyncedPeers, p)
	}
	slices.Sort(st.SyncedPeers)
	if s.lastResult != nil {
		res := *s.lastResult
		st.LastResult = &res
	}
	if len(s.lastErrors) > 0 {
		st.Errors = make(map[string]string, len(s.lastErrors))
		for k, v := range s.lastErrors {
			st.Errors[k] = v
		}
	}
	return st
}

func (s *Syncer) cycle(ctx context.Context) (*CycleResult, error) {
	peers, err := s.dir.Peers(ctx)
	if err != nil {
		s.metrics.ObservePull(metrics.ResultError)
		return nil, err
	}

	var (
		resMu  sync.Mutex
		res    = &CycleResult{Peers: len(peers)}
		errMap = make(map[string]string)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, peer := range peers {
		g.Go(func() error {
			defs, err := s.fetch(gctx, peer)
			if err != nil {
				s.logger.Warn("peer pull failed",
					zap.String("peer", peer),
					zap.Int("attempts", s.cfg.MaxAttempts),
					zap.Error(err),
				)
				s.metrics.ObservePull(metrics.ResultError)
				resMu.Lock()
				res.Failed++
				errMap[peer] = err.Error()
				resMu.Unlock()
				return nil
			}

			applied, rejected := s.merge(peer, defs)
			s.metrics.ObservePull(metrics.ResultOK)
			s.markSynced(peer)

			resMu.Lock()
			res.Synced++
			res.Applied += applied
			res.Rejected += rejected
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.lastPeers = slices.Clone(peers)
	s.lastErrors = errMap
	s.lastCycle = time.Now()
	s.lastResult = res
	s.cycles++
	s.mu.Unlock()

	if len(peers) == 0 {
		if s.cfg.ReadyWithoutPeers {
			s.ready.Store(true)
		}
		s.logger.Debug("no peers found for synchronization")
	}

	s.logger.Info("sync cycle completed",
		zap.Int("peers", res.Peers),
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed),
		zap.Int("applied", res.Applied),
	)
	return res, nil
}

// fetch lists a peer's definitions, retrying with exponential backoff up to
// MaxAttempts
func (s *Syncer) fetch(ctx context.Context, peer string) ([]*models.Definition, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() ([]*models.Definition, error) {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		defs, err := s.client.ListMocks(reqCtx, peer)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return defs, err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("peer pull attempt failed",
			zap.String("peer", peer),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	defs, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil && !errors.Is(err, ErrPeerUnreachable) && !errors.Is(err, ErrUnauthorized) {
		return nil, errors.Join(ErrPeerUnreachable, err)
	}
	return defs, err
}

func (s *Syncer) merge(peer string, defs []*models.Definition) (applied, rejected int) {
	for _, def := range defs {
		if def == nil {
			continue
		}
		ok, err := s.applier.ApplyRemote(def)
		if err != nil {
			rejected++
			s.logger.Warn("remote mock rejected",
				zap.String("peer", peer),
				zap.String("id", def.ID.String()),
				zap.String("api_name", def.APIName),
				zap.Error(err),
			)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, rejected
}

func (s *Syncer) markSynced(peer string) {
	s.mu.Lock()
	s.synced[peer] = struct{}{}
	n := len(s.synced)
	s.mu.Unlock()

	s.ready.Store(true)
	s.metrics.SetPeersSynced(n)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
