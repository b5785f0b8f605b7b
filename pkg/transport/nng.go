package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// Register transports
	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"gocellar/pkg/cluster"
	"gocellar/pkg/metrics"
)

// NNG schemes.
const (
	SchemeTCP    = "tcp"
	SchemeInproc = "inproc"
)

// NNGConfig configures the nanomsg transport.
type NNGConfig struct {
	// Scheme is tcp or inproc. inproc addresses nodes by ID.
	Scheme      string
	BindAddr    string
	SendTimeout time.Duration
	Retry       RetryPolicy
}

// NNG listens on a PULL socket and keeps one PUSH socket per peer.
type NNG struct {
	cfg     NNGConfig
	local   cluster.Node
	logger  hclog.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	pull    mangos.Socket
	pushers map[string]mangos.Socket
	closed  bool
	wg      sync.WaitGroup
}

func NewNNG(cfg NNGConfig, local cluster.Node, logger hclog.Logger, m *metrics.Registry) *NNG {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = SchemeTCP
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &NNG{
		cfg:     cfg,
		local:   local,
		logger:  logger.Named("transport.nng"),
		metrics: m,
		pushers: make(map[string]mangos.Socket),
	}
}

func (t *NNG) Name() string { return KindNNG }

func (t *NNG) listenURL() string {
	if t.cfg.Scheme == SchemeInproc {
		return "inproc://" + t.local.ID
	}
	addr := t.cfg.BindAddr
	if addr == "" {
		addr = t.local.Address()
	}
	return "tcp://" + addr
}

func (t *NNG) peerURL(n cluster.Node) string {
	if t.cfg.Scheme == SchemeInproc {
		return "inproc://" + n.ID
	}
	return "tcp://" + n.Address()
}

func (t *NNG) Start(ctx context.Context, recv Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.pull != nil {
		return ErrAlreadyStarted
	}
	sock, err := pull.NewSocket()
	if err != nil {
		return fmt.Errorf("pull socket: %w", err)
	}
	url := t.listenURL()
	if err := sock.Listen(url); err != nil {
		_ = sock.Close()
		return fmt.Errorf("listen %s: %w", url, err)
	}
	t.pull = sock

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			msg, err := sock.Recv()
			if err != nil {
				if errors.Is(err, mangos.ErrClosed) {
					return
				}
				t.logger.Warn("receive failed", "error", err)
				continue
			}
			frame, err := decompress(msg)
			if err != nil {
				t.logger.Warn("dropping corrupt frame", "error", err)
				continue
			}
			t.metrics.RecordFrame(KindNNG, "in")
			recv(ctx, frame)
		}
	}()
	t.logger.Info("fabric transport listening", "url", url)
	return nil
}

func (t *NNG) pusher(n cluster.Node) (mangos.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if s, ok := t.pushers[n.ID]; ok {
		return s, nil
	}
	s, err := push.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := s.SetOption(mangos.OptionSendDeadline, t.cfg.SendTimeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	// keep redialing in the background when the peer is not up yet
	if err := s.SetOption(mangos.OptionDialAsynch, true); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.Dial(t.peerURL(n)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("dial %s: %w", t.peerURL(n), err)
	}
	t.pushers[n.ID] = s
	return s, nil
}

func (t *NNG) Send(ctx context.Context, frame []byte, to []cluster.Node) error {
	payload := compress(frame)
	return fanOut(ctx, to, func(ctx context.Context, n cluster.Node) error {
		s, err := t.pusher(n)
		if err != nil {
			t.metrics.RecordSendError(KindNNG)
			return err
		}
		err = t.cfg.Retry.Do(ctx, func() error {
			err := s.Send(payload)
			if errors.Is(err, mangos.ErrClosed) {
				return permanent(err)
			}
			return err
		})
		if err != nil {
			t.metrics.RecordSendError(KindNNG)
			return err
		}
		t.metrics.RecordFrame(KindNNG, "out")
		return nil
	})
}

func (t *NNG) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pushers := t.pushers
	t.pushers = nil
	sock := t.pull
	t.mu.Unlock()

	var errs []error
	for _, s := range pushers {
		errs = append(errs, s.Close())
	}
	if sock != nil {
		errs = append(errs, sock.Close())
	}
	t.wg.Wait()
	return errors.Join(errs...)
}
