package viewsyncer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/bunbase/bunsync/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsync/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsync/internal/logger"
	"github.com/kartikbazzad/bunbase/bunsync/internal/storage"
)

const releaseTimeout = 3 * time.Second

type ServiceOptions struct {
	Storage       storage.DurableStorage
	Snapshotter   Snapshotter
	Broker        *broker.Broker[Notification]
	Logger        *slog.Logger
	FlushInterval time.Duration
	MaxRetries    int
	RowBatchSize  int
	// Workers bounds the number of client groups served at once.
	Workers int
}

// Service runs one ViewSyncer per client group on a bounded worker pool. A
// syncer that panics is logged and dropped; the next request for its group
// starts a fresh one.
type Service struct {
	opts   ServiceOptions
	log    *slog.Logger
	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	syncers map[string]*ViewSyncer
	stopped bool
}

func NewService(opts ServiceOptions) (*Service, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	opts.Logger = log
	if opts.Workers <= 0 {
		opts.Workers = 64
	}
	s := &Service{
		opts:    opts,
		log:     logger.WithComponent(log, "view-syncer-service"),
		syncers: map[string]*ViewSyncer{},
	}
	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			s.log.Error("view syncer panic", "panic", fmt.Sprint(v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create view syncer pool: %w", err)
	}
	s.pool = pool
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// ViewSyncer returns the syncer of clientGroupID, starting it if needed.
func (s *Service) ViewSyncer(clientGroupID string) (*ViewSyncer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, errors.ErrStorageClosed
	}
	if vs, ok := s.syncers[clientGroupID]; ok {
		return vs, nil
	}

	vs := New(Options{
		ClientGroupID: clientGroupID,
		Storage:       s.opts.Storage,
		Snapshotter:   s.opts.Snapshotter,
		Broker:        s.opts.Broker,
		Logger:        s.opts.Logger,
		FlushInterval: s.opts.FlushInterval,
		MaxRetries:    s.opts.MaxRetries,
		RowBatchSize:  s.opts.RowBatchSize,
	})
	s.wg.Add(1)
	err := s.pool.Submit(func() {
		defer s.wg.Done()
		defer s.forget(clientGroupID, vs)
		if err := vs.Run(s.ctx); err != nil {
			s.log.Error("view syncer exited", "client_group", clientGroupID, "error", err)
		}
	})
	if err != nil {
		s.wg.Done()
		return nil, fmt.Errorf("failed to start view syncer %s: %w", clientGroupID, err)
	}
	s.syncers[clientGroupID] = vs
	s.log.Debug("started view syncer", "client_group", clientGroupID)
	return vs, nil
}

// Lookup returns a running syncer without starting one.
func (s *Service) Lookup(clientGroupID string) (*ViewSyncer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.syncers[clientGroupID]
	return vs, ok
}

// ClientGroups lists the groups with a running syncer.
func (s *Service) ClientGroups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.syncers))
}

func (s *Service) forget(clientGroupID string, vs *ViewSyncer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncers[clientGroupID] == vs {
		delete(s.syncers, clientGroupID)
	}
}

// Stop cancels every syncer and waits for them to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if err := s.pool.ReleaseTimeout(releaseTimeout); err != nil {
		s.log.Warn("view syncer pool did not drain", "error", err)
	}
	s.log.Info("view syncer service stopped")
}
