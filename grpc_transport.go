// grpc_transport.go: gRPC transport carrying capability sessions, with TLS support
//
// The service is declared by hand so no generated stubs are needed: a single
// bidirectional stream method whose messages are google.protobuf.Struct,
// marshalled by the default proto codec.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	vatServiceName   = "capcalc.v1.Vat"
	vatSessionMethod = "/" + vatServiceName + "/Session"
)

// vatServer is the handler type of the Vat service.
type vatServer interface {
	serveSession(stream grpc.ServerStream) error
}

var vatServiceDesc = grpc.ServiceDesc{
	ServiceName: vatServiceName,
	HandlerType: (*vatServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Session",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(vatServer).serveSession(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "capcalc/v1/vat.proto",
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger. Accepts anything NewLogger accepts.
func WithServerLogger(logger any) ServerOption {
	return func(s *Server) {
		s.logger = NewLogger(logger)
	}
}

// WithServerMetrics sets the metrics collector shared by all sessions.
func WithServerMetrics(collector MetricsCollector) ServerOption {
	return func(s *Server) {
		if collector != nil {
			s.metrics = collector
		}
	}
}

// Server exposes a Calculator as the bootstrap capability of every session
// accepted over gRPC.
type Server struct {
	calc    Calculator
	config  ServerConfig
	logger  Logger
	metrics MetricsCollector
	tracker *RequestTracker

	grpcServer   *grpc.Server
	health       *health.Server
	shuttingDown atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer creates a server for calc. config is validated first.
func NewServer(calc Calculator, config ServerConfig, opts ...ServerOption) (*Server, error) {
	if calc == nil {
		return nil, NewConfigValidationError("calculator is required", nil)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		calc:     calc,
		config:   config,
		logger:   DefaultLogger(),
		metrics:  NoOpMetricsCollector{},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = NewRequestTracker(s.metrics)

	grpcOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.MaxSendMsgSize(config.MaxMessageSize),
	}
	if config.TLS.Enabled {
		creds, err := buildServerCredentials(config.TLS)
		if err != nil {
			return nil, err
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
	}

	s.grpcServer = grpc.NewServer(grpcOpts...)
	s.grpcServer.RegisterService(&vatServiceDesc, s)

	// Standard gRPC health checks, reported for the server as a whole ("")
	// and for the Vat service.
	s.health = health.NewServer()
	healthgrpc.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(vatServiceName, healthgrpc.HealthCheckResponse_SERVING)
	return s, nil
}

// Tracker returns the request tracker shared by all sessions.
func (s *Server) Tracker() *RequestTracker {
	return s.tracker
}

// ActiveSessions returns the number of open sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Serve accepts sessions on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Calculator server listening", "address", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
		return NewSubstrateFailureError("gRPC server failed", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return NewSubstrateFailureError("failed to listen", err).
			WithContext("address", s.config.ListenAddress)
	}
	return s.Serve(lis)
}

// Shutdown stops accepting sessions and new calls on open sessions, waits
// for in-flight calls to finish or ctx to expire, then closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.health.Shutdown()
	s.logger.Info("Calculator server shutting down",
		"active_sessions", s.ActiveSessions(),
		"inflight_calls", s.tracker.TotalActive())

	drainErr := s.tracker.Drain(ctx)
	if drainErr != nil {
		s.logger.Warn("Drain timed out, cancelling remaining calls",
			"inflight_calls", s.tracker.TotalActive())
	}

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}

	s.grpcServer.Stop()
	return drainErr
}

func (s *Server) serveSession(stream grpc.ServerStream) error {
	if s.shuttingDown.Load() {
		return status.Error(codes.Unavailable, "server is shutting down")
	}

	md, _ := metadata.FromIncomingContext(stream.Context())
	if err := s.config.Handshake.ValidateIncoming(md); err != nil {
		s.logger.Warn("Rejected session", "error", err)
		return status.Error(codes.Unauthenticated, err.Error())
	}

	id := NewSessionID()
	if err := stream.SendHeader(metadata.Pairs(MetadataSessionID, id)); err != nil {
		return err
	}

	sess := NewSession(stream, SessionOptions{
		ID:        id,
		Bootstrap: s.calc,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Tracker:   s.tracker,
		Draining:  s.shuttingDown.Load,
	})

	s.mu.Lock()
	s.sessions[id] = sess
	active := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetGauge(MetricActiveSessions, nil, float64(active))
	s.logger.Info("Session opened", "session", id)

	err := sess.Serve()

	s.mu.Lock()
	delete(s.sessions, id)
	active = len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetGauge(MetricActiveSessions, nil, float64(active))
	s.logger.Info("Session ended", "session", id)

	if status.Code(err) == codes.Canceled {
		return nil
	}
	return err
}

// DialOption configures Dial.
type DialOption func(*dialConfig)

type dialConfig struct {
	handshake      HandshakeConfig
	logger         Logger
	metrics        MetricsCollector
	tls            TLSConfig
	maxMessageSize int
	grpcOpts       []grpc.DialOption
}

// WithHandshake overrides the default handshake.
func WithHandshake(hc HandshakeConfig) DialOption {
	return func(c *dialConfig) { c.handshake = hc }
}

// WithDialLogger sets the client logger. Accepts anything NewLogger accepts.
func WithDialLogger(logger any) DialOption {
	return func(c *dialConfig) { c.logger = NewLogger(logger) }
}

// WithDialMetrics sets the client metrics collector.
func WithDialMetrics(collector MetricsCollector) DialOption {
	return func(c *dialConfig) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// WithClientTLS enables TLS towards the server.
func WithClientTLS(cfg TLSConfig) DialOption {
	return func(c *dialConfig) { c.tls = cfg }
}

// WithMaxMessageSize bounds messages in both directions.
func WithMaxMessageSize(size int) DialOption {
	return func(c *dialConfig) { c.maxMessageSize = size }
}

// WithGRPCDialOptions appends raw gRPC dial options, e.g. a custom dialer.
func WithGRPCDialOptions(opts ...grpc.DialOption) DialOption {
	return func(c *dialConfig) { c.grpcOpts = append(c.grpcOpts, opts...) }
}

func newDialConfig(opts []DialOption) dialConfig {
	cfg := dialConfig{
		handshake:      DefaultHandshakeConfig,
		logger:         DefaultLogger(),
		metrics:        NoOpMetricsCollector{},
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (cfg *dialConfig) newConn(target string) (*grpc.ClientConn, error) {
	grpcOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.maxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.maxMessageSize),
		),
	}
	if cfg.tls.Enabled {
		creds, err := buildClientCredentials(cfg.tls)
		if err != nil {
			return nil, err
		}
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(creds))
	} else {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	grpcOpts = append(grpcOpts, cfg.grpcOpts...)

	conn, err := grpc.NewClient(target, grpcOpts...)
	if err != nil {
		return nil, NewSubstrateFailureError("failed to create gRPC client", err).
			WithContext("target", target)
	}
	return conn, nil
}

// CheckHealth queries the standard gRPC health service at target and returns
// the serving status of the calculator service. No session is opened.
func CheckHealth(ctx context.Context, target string, opts ...DialOption) (healthgrpc.HealthCheckResponse_ServingStatus, error) {
	cfg := newDialConfig(opts)
	conn, err := cfg.newConn(target)
	if err != nil {
		return healthgrpc.HealthCheckResponse_UNKNOWN, err
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthgrpc.NewHealthClient(conn).Check(ctx,
		&healthgrpc.HealthCheckRequest{Service: vatServiceName})
	if err != nil {
		return healthgrpc.HealthCheckResponse_UNKNOWN,
			NewSubstrateFailureError("health check failed", err).WithContext("target", target)
	}
	return resp.GetStatus(), nil
}

// Client is a connected session to a calculator server.
type Client struct {
	conn    *grpc.ClientConn
	cancel  context.CancelFunc
	session *Session
	logger  Logger

	serveDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to target and completes the handshake. ctx bounds the
// connection setup only.
func Dial(ctx context.Context, target string, opts ...DialOption) (*Client, error) {
	cfg := newDialConfig(opts)
	if err := cfg.handshake.Validate(); err != nil {
		return nil, err
	}

	conn, err := cfg.newConn(target)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(
		metadata.NewOutgoingContext(context.Background(), cfg.handshake.OutgoingMetadata()))
	stop := context.AfterFunc(ctx, cancel)

	fail := func(err error) (*Client, error) {
		cancel()
		_ = conn.Close()
		return nil, err
	}

	stream, err := conn.NewStream(streamCtx, &vatServiceDesc.Streams[0], vatSessionMethod)
	if err != nil {
		stop()
		return fail(NewSubstrateFailureError("failed to open session stream", err))
	}

	header, err := stream.Header()
	if !stop() {
		return fail(NewSubstrateFailureError("dial cancelled", ctx.Err()))
	}
	if err == nil && len(header.Get(MetadataSessionID)) == 0 {
		// The stream ended without headers; its status says why.
		err = stream.RecvMsg(&structpb.Struct{})
	}
	if err != nil {
		if status.Code(err) == codes.Unauthenticated {
			return fail(NewHandshakeError("server rejected the session", err))
		}
		return fail(NewSubstrateFailureError("session handshake failed", err))
	}
	id := header.Get(MetadataSessionID)[0]

	c := &Client{
		conn:   conn,
		cancel: cancel,
		session: NewSession(stream, SessionOptions{
			ID:      id,
			Logger:  cfg.logger,
			Metrics: cfg.metrics,
		}),
		logger:    cfg.logger,
		serveDone: make(chan struct{}),
	}
	go func() {
		defer close(c.serveDone)
		if err := c.session.Serve(); err != nil && status.Code(err) != codes.Canceled {
			c.logger.Warn("Session ended with error", "session", id, "error", err)
		}
	}()

	cfg.logger.Info("Session established", "session", id, "target", target)
	return c, nil
}

// Bootstrap returns the server's calculator.
func (c *Client) Bootstrap() *CalculatorClient {
	return c.session.Bootstrap()
}

// SessionID returns the ID assigned by the server.
func (c *Client) SessionID() string {
	return c.session.ID()
}

// Done is closed when the session ends, locally or remotely.
func (c *Client) Done() <-chan struct{} {
	return c.session.Done()
}

// Close ends the session and the connection. Pending calls fail.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.session.closeSend()
		c.cancel()
		<-c.serveDone
		if err := c.conn.Close(); err != nil {
			c.closeErr = NewSubstrateFailureError("failed to close connection", err)
		}
	})
	return c.closeErr
}

// TLS credentials

func baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path) // #nosec G304 -- path comes from trusted configuration
	if err != nil {
		return nil, NewConfigNotFoundError(path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, NewConfigParseError(path, stderrors.New("no certificates found"))
	}
	return pool, nil
}

func buildServerCredentials(cfg TLSConfig) (credentials.TransportCredentials, error) {
	config := baseTLSConfig()
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, NewConfigValidationError("failed to load server certificate", err)
	}
	config.Certificates = []tls.Certificate{cert}

	// A CA file on the server side means clients must present certificates.
	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		config.ClientCAs = pool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(config), nil
}

func buildClientCredentials(cfg TLSConfig) (credentials.TransportCredentials, error) {
	config := baseTLSConfig()
	config.ServerName = cfg.ServerName
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, NewConfigValidationError("failed to load client certificate", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}
	return credentials.NewTLS(config), nil
}
