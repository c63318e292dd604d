package qremote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"

	"github.com/kardianos/qcert/qdef"
)

// DefaultIdleTimeout closes connections without traffic.
const DefaultIdleTimeout = 30 * time.Second

// MaxRequestSize bounds the encoded size of one request, enough for a
// large certificate and its private key.
const MaxRequestSize = 256 << 10

// Resolver maps store requests onto local adapters.
type Resolver interface {
	Resolve(name string, scope qdef.Scope) (qdef.Identity, error)
	Adapter(id qdef.Identity) (qdef.Adapter, error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// TLSConfig must hold the server certificate. ALPN is added when absent.
	// Only connections with a verified client certificate may open stores
	// ReadWrite or load private keys, so set ClientCAs and ClientAuth to
	// allow writes.
	TLSConfig *tls.Config

	Resolver Resolver

	// ReadOnly rejects every write open with qdef.ErrAccessDenied.
	ReadOnly bool

	Logger *slog.Logger
}

// Server answers remote store requests.
type Server struct {
	tlsConfig *tls.Config
	resolver  Resolver
	readOnly  bool
	log       *slog.Logger

	mu       sync.Mutex
	listener *quic.Listener
	owned    net.PacketConn // Opened by ListenAndServe, closed by Close.
	cancel   context.CancelFunc
	wg       sync.WaitGroup // Accept loop, connections and streams.
}

// NewServer returns a server for cfg.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.TLSConfig == nil || (len(cfg.TLSConfig.Certificates) == 0 && cfg.TLSConfig.GetCertificate == nil) {
		return nil, errors.New("qremote: server TLS certificate is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("qremote: resolver is required")
	}
	tlsConf := cfg.TLSConfig.Clone()
	if !slices.Contains(tlsConf.NextProtos, ALPN) {
		tlsConf.NextProtos = append(tlsConf.NextProtos, ALPN)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{
		tlsConfig: tlsConf,
		resolver:  cfg.Resolver,
		readOnly:  cfg.ReadOnly,
		log:       log,
	}, nil
}

// Serve starts serving on packetConn and returns. The server stops when ctx
// is done or Close is called.
func (s *Server) Serve(ctx context.Context, packetConn net.PacketConn) error {
	qc := &quic.Config{
		MaxIdleTimeout: DefaultIdleTimeout,
	}
	listener, err := quic.Listen(packetConn, s.tlsConfig, qc)
	if err != nil {
		return fmt.Errorf("failed to start QUIC listener from PacketConn: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = listener
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("serving stores", "addr", listener.Addr().String(), "read_only", s.readOnly, "client_auth", s.tlsConfig.ClientAuth.String())
	if s.tlsConfig.ClientCAs == nil {
		s.log.Warn("no client CAs configured, every client is read-only")
	}
	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)
	return nil
}

// ListenAndServe listens on the UDP address addr and starts serving.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	packetConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to create UDP packet conn: %w", err)
	}
	if err := s.Serve(ctx, packetConn); err != nil {
		packetConn.Close()
		return err
	}
	s.mu.Lock()
	s.owned = packetConn
	s.mu.Unlock()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the server, closes open connections and waits for in-flight
// requests to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	l, cancel, owned := s.listener, s.cancel, s.owned
	s.owned = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	if l != nil {
		err = l.Close()
	}
	s.wg.Wait()
	if owned != nil {
		owned.Close()
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, listener *quic.Listener) {
	defer s.wg.Done()
	defer listener.Close()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("accept stopped", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *quic.Conn) {
	defer s.wg.Done()
	peer := conn.RemoteAddr().String()
	verified := len(conn.ConnectionState().TLS.VerifiedChains) > 0
	s.log.Debug("connection opened", "peer", peer, "verified", verified)
	defer s.log.Debug("connection closed", "peer", peer)
	defer conn.CloseWithError(0, "server closing")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleStream(peer, verified, stream)
	}
}

func (s *Server) handleStream(peer string, verified bool, stream *quic.Stream) {
	defer s.wg.Done()
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(DefaultIdleTimeout))

	var req Request
	if err := cbor.NewDecoder(io.LimitReader(stream, MaxRequestSize)).Decode(&req); err != nil {
		s.log.Warn("decode request", "peer", peer, "error", err)
		stream.CancelRead(0)
		return
	}

	start := time.Now()
	resp := s.do(&req, verified)
	log := s.log.With("id", req.ID, "peer", peer, "op", req.Op.String(), "store", req.Scope.String()+`\`+req.Name)
	if resp.Code != CodeOK {
		log.Warn("request failed", "code", resp.Code, "error", resp.Message, "elapsed", time.Since(start))
	} else {
		log.Debug("request done", "elapsed", time.Since(start))
	}

	if err := cbor.NewEncoder(stream).Encode(resp); err != nil {
		log.Warn("encode response", "error", err)
	}
}

func (s *Server) do(req *Request, verified bool) *Response {
	resp := &Response{ID: req.ID}
	encodeError(resp, s.apply(req, verified, resp))
	return resp
}

func (s *Server) apply(req *Request, verified bool, resp *Response) error {
	op := req.Op.String()
	if req.Op < OpOpen || req.Op > OpArchive {
		return qdef.Errorf(qdef.KindInvalidArgument, op, "unknown operation %d", req.Op)
	}
	if err := req.Flags.Validate(); err != nil {
		return err
	}
	if s.readOnly && req.Flags.Writable() {
		return qdef.Errorf(qdef.KindAccessDenied, op, "server is read-only")
	}
	if !verified && (req.Flags.Writable() || req.Op == OpLoadKey) {
		return qdef.Errorf(qdef.KindAccessDenied, op, "client certificate required")
	}
	id, err := s.resolver.Resolve(req.Name, req.Scope)
	if err != nil {
		return err
	}
	if id.Backend == qdef.BackendRemote {
		return qdef.Errorf(qdef.KindAdapterFailure, op, "store %s resolves to another remote server", id)
	}
	adapter, err := s.resolver.Adapter(id)
	if err != nil {
		return err
	}
	h, err := adapter.Open(id, req.Flags)
	if err != nil {
		return err
	}
	defer h.Close()

	var tp qdef.Thumbprint
	switch req.Op {
	case OpRemove, OpLoadKey, OpArchive:
		if len(req.Thumbprint) != qdef.ThumbprintSize {
			return qdef.Errorf(qdef.KindInvalidArgument, op, "thumbprint must be %d bytes", qdef.ThumbprintSize)
		}
		tp = qdef.Thumbprint(req.Thumbprint)
	}

	switch req.Op {
	case OpOpen:
		return nil
	case OpEnumerate:
		entries, err := h.Enumerate()
		if err != nil {
			return err
		}
		resp.Entries = make([]Entry, len(entries))
		for i, e := range entries {
			resp.Entries[i] = Entry{Raw: e.Raw, HasPrivateKey: e.HasPrivateKey, Archived: e.Archived}
		}
		return nil
	case OpAdd:
		cert, err := qdef.NewCertificate(req.Raw)
		if err != nil {
			return qdef.NewError(qdef.KindInvalidArgument, op, err)
		}
		if len(req.Key) > 0 {
			if cert.PrivateKey, err = qdef.ParseKey(req.Key); err != nil {
				return qdef.NewError(qdef.KindInvalidArgument, op, err)
			}
		}
		return h.Add(cert)
	case OpRemove:
		return h.Remove(tp)
	case OpLoadKey:
		kl, ok := h.(qdef.KeyLoader)
		if !ok {
			return qdef.Errorf(qdef.KindAdapterFailure, op, "private keys: %w", qdef.ErrUnsupported)
		}
		key, err := kl.LoadKey(tp)
		if err != nil {
			return err
		}
		if resp.Key, err = qdef.MarshalKey(key); err != nil {
			return qdef.NewError(qdef.KindAdapterFailure, op, err)
		}
		return nil
	case OpArchive:
		ar, ok := h.(qdef.Archiver)
		if !ok {
			return qdef.Errorf(qdef.KindAdapterFailure, op, "archived property: %w", qdef.ErrUnsupported)
		}
		return ar.SetArchived(tp, req.Archived)
	}
	return qdef.Errorf(qdef.KindInvalidArgument, op, "unknown operation %d", req.Op)
}
