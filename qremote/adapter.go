package qremote

import (
	"context"
	"crypto"
	"crypto/tls"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/kardianos/qcert/qdef"
)

// DefaultTimeout bounds each remote request, including the dial at open.
const DefaultTimeout = 10 * time.Second

// Adapter opens stores served by a remote Server. Store policies are those of
// the adapter serving the store on the remote host.
//
// Each handle holds one QUIC connection from Open until Close. The store
// Location of the identity is not sent; the server resolves name and scope
// with its own configuration.
type Adapter struct {
	Addr      string      // Server UDP address, host:port.
	TLSConfig *tls.Config // Must trust the server certificate. ALPN is added when absent.
	Timeout   time.Duration
}

var _ qdef.Adapter = (*Adapter)(nil)

// NewAdapter returns an adapter for the server at addr.
func NewAdapter(addr string, tlsConfig *tls.Config, timeout time.Duration) *Adapter {
	return &Adapter{Addr: addr, TLSConfig: tlsConfig, Timeout: timeout}
}

func (a *Adapter) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return DefaultTimeout
}

// Open dials the server and asks it to open the store with flags, so
// existence and access failures surface here.
func (a *Adapter) Open(id qdef.Identity, flags qdef.OpenFlags) (qdef.Handle, error) {
	if a.Addr == "" {
		return nil, qdef.Errorf(qdef.KindInvalidArgument, "open", "remote store %s has no server address", id)
	}
	var tlsConf *tls.Config
	if a.TLSConfig != nil {
		tlsConf = a.TLSConfig.Clone()
	} else {
		tlsConf = &tls.Config{}
	}
	if !slices.Contains(tlsConf.NextProtos, ALPN) {
		tlsConf.NextProtos = append(tlsConf.NextProtos, ALPN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout())
	defer cancel()
	conn, err := quic.DialAddr(ctx, a.Addr, tlsConf, &quic.Config{MaxIdleTimeout: DefaultIdleTimeout})
	if err != nil {
		return nil, qdef.NewError(qdef.KindAdapterFailure, "open", fmt.Errorf("dial %s: %w", a.Addr, err))
	}

	h := &remoteHandle{conn: conn, name: id.Name, scope: id.Scope, flags: flags, timeout: a.timeout()}
	if _, err := h.roundTrip(&Request{Op: OpOpen}); err != nil {
		conn.CloseWithError(0, "open failed")
		return nil, err
	}
	return h, nil
}

type remoteHandle struct {
	name    string
	scope   qdef.Scope
	flags   qdef.OpenFlags
	timeout time.Duration

	mu   sync.Mutex
	conn *quic.Conn // Nil after Close.
}

var (
	_ qdef.Handle    = (*remoteHandle)(nil)
	_ qdef.KeyLoader = (*remoteHandle)(nil)
	_ qdef.Archiver  = (*remoteHandle)(nil)
)

// roundTrip sends req on a new stream and waits for the response.
func (h *remoteHandle) roundTrip(req *Request) (*Response, error) {
	op := req.Op.String()
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil, qdef.Errorf(qdef.KindInvalidState, op, "handle closed")
	}

	req.ID = uuid.NewString()
	req.Name = h.name
	req.Scope = h.scope
	req.Flags = h.flags

	ctx, cancel := context.WithTimeout(conn.Context(), h.timeout)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, qdef.NewError(qdef.KindAdapterFailure, op, fmt.Errorf("open stream: %w", err))
	}
	deadline, _ := ctx.Deadline()
	stream.SetDeadline(deadline)

	if err := cbor.NewEncoder(stream).Encode(req); err != nil {
		stream.CancelWrite(0)
		stream.CancelRead(0)
		return nil, qdef.NewError(qdef.KindAdapterFailure, op, fmt.Errorf("send request %s: %w", req.ID, err))
	}
	// Closing the send side tells the server the request is complete.
	stream.Close()

	var resp Response
	if err := cbor.NewDecoder(stream).Decode(&resp); err != nil {
		stream.CancelRead(0)
		return nil, qdef.NewError(qdef.KindAdapterFailure, op, fmt.Errorf("read response %s: %w", req.ID, err))
	}
	if resp.ID != req.ID {
		return nil, qdef.Errorf(qdef.KindAdapterFailure, op, "response id %q does not match request %q", resp.ID, req.ID)
	}
	if err := decodeError(&resp, op); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *remoteHandle) Enumerate() ([]qdef.Entry, error) {
	resp, err := h.roundTrip(&Request{Op: OpEnumerate})
	if err != nil {
		return nil, err
	}
	out := make([]qdef.Entry, len(resp.Entries))
	for i, e := range resp.Entries {
		out[i] = qdef.Entry{Raw: e.Raw, HasPrivateKey: e.HasPrivateKey, Archived: e.Archived}
	}
	return out, nil
}

func (h *remoteHandle) Add(cert *qdef.Certificate) error {
	if err := qdef.CheckWritable(h.flags, "add"); err != nil {
		return err
	}
	if cert == nil || len(cert.Raw) == 0 {
		return qdef.Errorf(qdef.KindInvalidArgument, "add", "empty certificate")
	}
	req := &Request{Op: OpAdd, Raw: cert.Raw}
	if cert.HasPrivateKey() {
		key, err := qdef.MarshalKey(cert.PrivateKey)
		if err != nil {
			return qdef.NewError(qdef.KindInvalidArgument, "add", err)
		}
		req.Key = key
	}
	_, err := h.roundTrip(req)
	return err
}

func (h *remoteHandle) Remove(tp qdef.Thumbprint) error {
	if err := qdef.CheckWritable(h.flags, "remove"); err != nil {
		return err
	}
	_, err := h.roundTrip(&Request{Op: OpRemove, Thumbprint: tp[:]})
	return err
}

func (h *remoteHandle) LoadKey(tp qdef.Thumbprint) (crypto.PrivateKey, error) {
	resp, err := h.roundTrip(&Request{Op: OpLoadKey, Thumbprint: tp[:]})
	if err != nil {
		return nil, err
	}
	key, err := qdef.ParseKey(resp.Key)
	if err != nil {
		return nil, qdef.NewError(qdef.KindAdapterFailure, "load key", err)
	}
	return key, nil
}

func (h *remoteHandle) SetArchived(tp qdef.Thumbprint, archived bool) error {
	if err := qdef.CheckWritable(h.flags, "archive"); err != nil {
		return err
	}
	_, err := h.roundTrip(&Request{Op: OpArchive, Thumbprint: tp[:], Archived: archived})
	return err
}

// Close closes the connection to the server.
func (h *remoteHandle) Close() {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	if conn != nil {
		conn.CloseWithError(0, "store closed")
	}
}
