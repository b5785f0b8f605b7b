package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"gocellar/pkg/cluster"
	"gocellar/pkg/metrics"
)

const (
	serviceName   = "gocellar.Fabric"
	deliverMethod = "/" + serviceName + "/Deliver"
	applyMethod   = "/" + serviceName + "/Apply"
)

// Applier applies a replicated write forwarded by a follower.
type Applier interface {
	ApplyForwarded(ctx context.Context, op []byte) error
}

// Resolver maps a node ID to its fabric address.
type Resolver func(ctx context.Context, id string) (string, error)

// GRPCConfig configures the gRPC transport.
type GRPCConfig struct {
	BindAddr    string
	SendTimeout time.Duration
	Retry       RetryPolicy
	MaxMsgSize  int
}

// GRPC carries frames as unary calls on a hand-registered service.
type GRPC struct {
	cfg     GRPCConfig
	logger  hclog.Logger
	metrics *metrics.Registry

	server *grpc.Server
	lis    net.Listener

	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	recv     Receiver
	rctx     context.Context
	applier  Applier
	resolver Resolver
	closed   bool
}

// fabricServer is the handler type of the service descriptor.
type fabricServer interface {
	Deliver(ctx context.Context, in *Frame) (*Frame, error)
	Apply(ctx context.Context, in *Frame) (*Frame, error)
}

var fabricServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*fabricServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: unaryHandler(deliverMethod, fabricServer.Deliver)},
		{MethodName: "Apply", Handler: unaryHandler(applyMethod, fabricServer.Apply)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gocellar/fabric",
}

type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

func unaryHandler(method string, call func(fabricServer, context.Context, *Frame) (*Frame, error)) methodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Frame)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(fabricServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(fabricServer), ctx, req.(*Frame))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// NewGRPC creates the transport. Nothing listens until Start.
func NewGRPC(cfg GRPCConfig, logger hclog.Logger, m *metrics.Registry) *GRPC {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = 4 * 1024 * 1024 // 4MB
	}
	return &GRPC{
		cfg:     cfg,
		logger:  logger.Named("transport.grpc"),
		metrics: m,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

func (t *GRPC) Name() string { return KindGRPC }

// SetApplier installs the leader-side handler of forwarded raft writes.
func (t *GRPC) SetApplier(a Applier) {
	t.mu.Lock()
	t.applier = a
	t.mu.Unlock()
}

// SetResolver installs the node ID to address lookup used by Forward.
func (t *GRPC) SetResolver(r Resolver) {
	t.mu.Lock()
	t.resolver = r
	t.mu.Unlock()
}

// Addr returns the listening address once started.
func (t *GRPC) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lis == nil {
		return nil
	}
	return t.lis.Addr()
}

func (t *GRPC) Start(ctx context.Context, recv Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.server != nil {
		return ErrAlreadyStarted
	}
	lis, err := net.Listen("tcp", t.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.BindAddr, err)
	}

	srv := grpc.NewServer(
		grpc.ForceServerCodec(frameCodec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(t.cfg.MaxMsgSize),
		grpc.MaxSendMsgSize(t.cfg.MaxMsgSize),
	)
	srv.RegisterService(&fabricServiceDesc, t)

	t.server, t.lis, t.recv, t.rctx = srv, lis, recv, ctx
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error("grpc serve", "error", err)
		}
	}()
	t.logger.Info("fabric transport listening", "address", lis.Addr().String())
	return nil
}

// Deliver implements the server side of frame delivery.
func (t *GRPC) Deliver(_ context.Context, in *Frame) (*Frame, error) {
	t.mu.Lock()
	recv, ctx := t.recv, t.rctx
	t.mu.Unlock()
	if recv == nil {
		return nil, status.Error(codes.Unavailable, ErrNotStarted.Error())
	}
	t.metrics.RecordFrame(KindGRPC, "in")
	recv(ctx, in.Data)
	return &Frame{}, nil
}

// Apply implements the server side of raft write forwarding.
func (t *GRPC) Apply(ctx context.Context, in *Frame) (*Frame, error) {
	t.mu.Lock()
	a := t.applier
	t.mu.Unlock()
	if a == nil {
		return nil, status.Error(codes.Unimplemented, "replication not enabled")
	}
	if err := a.ApplyForwarded(ctx, in.Data); err != nil {
		if errors.Is(err, cluster.ErrNotLeader) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Frame{}, nil
}

func (t *GRPC) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if c, ok := t.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(frameCodec{}),
			grpc.MaxCallRecvMsgSize(t.cfg.MaxMsgSize),
			grpc.MaxCallSendMsgSize(t.cfg.MaxMsgSize),
		),
	)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = c
	return c, nil
}

func (t *GRPC) invoke(ctx context.Context, addr, method string, data []byte) error {
	c, err := t.conn(addr)
	if err != nil {
		return permanent(err)
	}
	return t.cfg.Retry.Do(ctx, func() error {
		cctx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
		defer cancel()
		err := c.Invoke(cctx, method, &Frame{Data: data}, new(Frame))
		if err == nil {
			return nil
		}
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return err
		default:
			return permanent(err)
		}
	})
}

func (t *GRPC) Send(ctx context.Context, frame []byte, to []cluster.Node) error {
	return fanOut(ctx, to, func(ctx context.Context, n cluster.Node) error {
		if err := t.invoke(ctx, n.Address(), deliverMethod, frame); err != nil {
			t.metrics.RecordSendError(KindGRPC)
			t.logger.Debug("deliver failed", "node", n.ID, "error", err)
			return err
		}
		t.metrics.RecordFrame(KindGRPC, "out")
		return nil
	})
}

// Forward sends a raft write to the leader.
func (t *GRPC) Forward(ctx context.Context, leaderID string, op []byte) error {
	t.mu.Lock()
	resolve := t.resolver
	t.mu.Unlock()
	if resolve == nil {
		return fmt.Errorf("%w: no resolver", ErrUnknownPeer)
	}
	addr, err := resolve(ctx, leaderID)
	if err != nil {
		return fmt.Errorf("resolve leader %s: %w", leaderID, err)
	}
	return unwrapPermanent(t.invoke(ctx, addr, applyMethod, op))
}

func (t *GRPC) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	srv := t.server
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	var errs []error
	for _, c := range conns {
		errs = append(errs, c.Close())
	}
	if srv != nil {
		done := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			srv.Stop()
		}
	}
	return errors.Join(errs...)
}
