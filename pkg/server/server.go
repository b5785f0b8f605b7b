package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"gocellar/config"
	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
	"gocellar/pkg/fabric"
	"gocellar/pkg/metrics"
	"gocellar/pkg/policy"
	"gocellar/pkg/resource/configuration"
	"gocellar/pkg/transport"
	"gocellar/storage"
)

// Option customizes a Server.
type Option func(*Server)

// WithHub connects the memory transport to a shared in-process hub.
func WithHub(h *transport.Hub) Option { return func(s *Server) { s.hub = h } }

// WithSharedStore uses st for the cluster maps instead of opening one. It
// lets in-process nodes share state without raft.
func WithSharedStore(st storage.Storage) Option { return func(s *Server) { s.shared = st } }

// WithMetrics replaces the default metrics registry.
func WithMetrics(m *metrics.Registry) Option { return func(s *Server) { s.metrics = m } }

// Server runs one node: membership, transport, fabric and resources.
type Server struct {
	cfg     *config.Config
	logger  hclog.Logger
	metrics *metrics.Registry
	hub     *transport.Hub

	// base holds the local replica of the cluster maps, local this node's own
	// resources; shared is base, or raft on top of it.
	base   storage.Storage
	local  storage.Storage
	shared storage.Storage
	raft   *cluster.RaftStore

	manager   *cluster.Manager
	transport transport.Transport
	fabric    *fabric.Fabric
	config    *configuration.Resource
	http      *http.Server

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger hclog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.DefaultRegistry()
	}
	local := cfg.LocalNode()

	if err := s.openStorage(); err != nil {
		return nil, err
	}

	mgr, err := cluster.NewManager(cluster.Config{
		LocalNode:    local,
		DefaultGroup: cfg.Cluster.DefaultGroup,
	}, s.shared, logger)
	if err != nil {
		s.closeStorage()
		return nil, err
	}
	s.manager = mgr

	if err := s.buildTransport(local); err != nil {
		s.closeStorage()
		return nil, err
	}

	switches := event.NewSwitchBoard(cfg.SwitchStates())
	f, err := fabric.New(fabric.Options{
		Membership:     mgr,
		Groups:         mgr,
		Transport:      s.transport,
		Filter:         policy.NewFilter(policy.NewStore(cfg.Cluster.Groups)),
		Switches:       switches,
		ExcludeSelf:    cfg.Cluster.ExcludeSelf,
		CommandTimeout: cfg.Fabric.CommandTimeout,
		Workers:        cfg.Fabric.DispatchWorkers,
		QueueSize:      cfg.Fabric.QueueSize,
		Logger:         logger,
		Metrics:        s.metrics,
	})
	if err != nil {
		s.closeStorage()
		return nil, err
	}
	s.fabric = f

	s.config = configuration.New(f, mgr, s.local, s.shared, logger)
	if err := s.config.Register(f); err != nil {
		s.closeStorage()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		s.http = &http.Server{Addr: cfg.Metrics.Addr, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}
	}
	return s, nil
}

func (s *Server) openStorage() error {
	sc := s.cfg.Storage
	if s.shared == nil {
		base, err := storage.Open(sc.Backend, filepath.Join(sc.DataDir, "shared"), sc.CacheSize)
		if err != nil {
			return fmt.Errorf("open shared storage: %w", err)
		}
		s.base, s.shared = base, base
	}
	local, err := storage.Open(sc.Backend, filepath.Join(sc.DataDir, "local"), sc.CacheSize)
	if err != nil {
		s.closeStorage()
		return fmt.Errorf("open local storage: %w", err)
	}
	s.local = local

	if !s.cfg.Raft.Enabled {
		return nil
	}
	if s.base == nil {
		s.closeStorage()
		return errors.New("raft needs its own storage, not a shared store")
	}
	rc := s.cfg.Raft
	rs, err := cluster.StartRaft(s.base, cluster.RaftConfig{
		NodeID:        s.cfg.Node.ID,
		BindAddr:      rc.BindAddr,
		AdvertiseAddr: rc.AdvertiseAddr,
		DataDir:       rc.DataDir,
		Bootstrap:     rc.Bootstrap,
		Peers:         s.cfg.RaftPeers(),
		ApplyTimeout:  rc.ApplyTimeout,
	}, s.logger)
	if err != nil {
		s.closeStorage()
		return fmt.Errorf("raft start: %w", err)
	}
	s.raft, s.shared = rs, rs
	return nil
}

func (s *Server) buildTransport(local cluster.Node) error {
	tc := s.cfg.Transport
	retry := s.cfg.RetryPolicy()
	switch tc.Kind {
	case transport.KindMemory:
		if s.hub == nil {
			s.hub = transport.NewHub()
		}
		s.transport = s.hub.Transport(local, s.metrics)
	case transport.KindGRPC:
		g := transport.NewGRPC(transport.GRPCConfig{
			BindAddr:    tc.BindAddr,
			SendTimeout: tc.SendTimeout,
			Retry:       retry,
			MaxMsgSize:  tc.MaxMsgSize,
		}, s.logger, s.metrics)
		g.SetResolver(func(ctx context.Context, id string) (string, error) {
			n, err := s.manager.Node(ctx, id)
			if err != nil {
				return "", err
			}
			return n.Address(), nil
		})
		if s.raft != nil {
			g.SetApplier(s.raft)
			s.raft.SetForwarder(g)
		}
		s.transport = g
	case transport.KindNNG:
		s.transport = transport.NewNNG(transport.NNGConfig{
			Scheme:      tc.Scheme,
			BindAddr:    tc.BindAddr,
			SendTimeout: tc.SendTimeout,
			Retry:       retry,
		}, local, s.logger, s.metrics)
	default:
		return fmt.Errorf("unknown transport %q", tc.Kind)
	}
	return nil
}

// Start brings the node up and returns once it has joined its default group.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.fabric.Start(ctx); err != nil {
		cancel()
		return err
	}
	if s.raft != nil {
		wctx, wcancel := context.WithTimeout(ctx, 30*time.Second)
		leader, err := s.raft.WaitForLeader(wctx)
		wcancel()
		if err != nil {
			cancel()
			return err
		}
		s.logger.Info("raft leader known", "leader", leader)
	}

	s.config.Start(ctx)
	go s.fabric.Sync.Run(ctx, s.manager.Events())

	// a follower may not resolve the leader until the leader has registered
	retry := s.cfg.RetryPolicy()
	retry.MaxRetries = 20
	retry.MaxInterval = 2 * time.Second
	if err := retry.Do(ctx, func() error { return s.manager.Register(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("register node: %w", err)
	}

	if s.http != nil {
		lis, err := net.Listen("tcp", s.http.Addr)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
		}
		go func() {
			if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
		s.logger.Info("metrics endpoint listening", "addr", lis.Addr().String(), "path", s.cfg.Metrics.Path)
	}

	s.logger.Info("node started",
		"node", s.cfg.Node.ID,
		"group", s.cfg.Cluster.DefaultGroup,
		"transport", s.transport.Name(),
		"raft", s.raft != nil)
	return nil
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop leaves every group and shuts the node down.
func (s *Server) Stop() error {
	var errs []error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping node", "node", s.cfg.Node.ID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.manager.Unregister(ctx); err != nil {
			s.logger.Warn("unregister failed", "error", err)
		}

		if s.http != nil {
			if err := s.http.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.config.Close()
		if err := s.fabric.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.manager.Close()
		s.closeStorage()
	})
	return errors.Join(errs...)
}

func (s *Server) closeStorage() {
	// the raft store owns base once started
	if s.raft != nil {
		if err := s.raft.Close(); err != nil {
			s.logger.Warn("raft shutdown", "error", err)
		}
	} else if s.base != nil {
		_ = s.base.Close()
	}
	if s.local != nil {
		_ = s.local.Close()
	}
}

// ApplyConfig swaps in reloaded group policies and switch states.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.fabric.Filter.Store().Replace(cfg.Cluster.Groups)
	s.fabric.Switches.Replace(cfg.SwitchStates())
	if lvl := hclog.LevelFromString(cfg.Logging.Level); lvl != hclog.NoLevel {
		s.logger.SetLevel(lvl)
	}
	s.logger.Info("configuration reloaded", "groups", len(cfg.Cluster.Groups))
}

// Fabric exposes the node's messaging core.
func (s *Server) Fabric() *fabric.Fabric { return s.fabric }

// Manager exposes the node's membership.
func (s *Server) Manager() *cluster.Manager { return s.manager }

// Configurations exposes the configuration resource.
func (s *Server) Configurations() *configuration.Resource { return s.config }

// Health reports whether the node can reach the shared maps.
func (s *Server) Health(ctx context.Context) error {
	if s.raft != nil && s.raft.LeaderID() == "" {
		return cluster.ErrNoLeader
	}
	_, err := s.manager.Node(ctx, s.cfg.Node.ID)
	return err
}
