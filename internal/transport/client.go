package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/packet"
)

// ErrUnknownPeer is returned when an envelope names a peer with no address.
var ErrUnknownPeer = errors.New("unknown peer")

// DialOptions configure the connections of a Pool.
type DialOptions struct {
	// Timeout applies per RPC when non-zero.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int

	// Extra dial options, e.g. a bufconn dialer in tests.
	Extra []grpc.DialOption
}

// Pool sends envelopes to peers over the Overlay service. Connections are
// dialed on first use and kept.
//
// Thread-safety: Pool is safe for concurrent use.
type Pool struct {
	self  ir.PeerID
	addrs map[ir.PeerID]string
	opts  DialOptions

	mu    sync.Mutex
	conns map[ir.PeerID]*grpc.ClientConn
}

// NewPool creates a pool that identifies itself to peers as self.
func NewPool(self ir.PeerID, addrs map[ir.PeerID]string, opts DialOptions) *Pool {
	copied := make(map[ir.PeerID]string, len(addrs))
	for p, a := range addrs {
		copied[p] = a
	}
	return &Pool{self: self, addrs: copied, opts: opts, conns: make(map[ir.PeerID]*grpc.ClientConn)}
}

// Send implements engine.Sender.
func (p *Pool) Send(ctx context.Context, env ir.Envelope) error {
	client, err := p.client(env.To)
	if err != nil {
		return err
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		MetadataPeer, string(p.self),
		MetadataProtocol, ir.ProtocolVersion,
	)
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	switch env.Kind {
	case ir.EnvelopeRecord:
		if env.Record == nil {
			return fmt.Errorf("send %s: record envelope without record", env.ID)
		}
		if _, err := client.Deliver(ctx, wrapperspb.Bytes(env.Record.Wire)); err != nil {
			return fmt.Errorf("deliver %s to %s: %w", env.Record.Key(), env.To, err)
		}
	case ir.EnvelopeMissingRequest:
		if env.Request == nil {
			return fmt.Errorf("send %s: request envelope without request", env.ID)
		}
		body, err := packet.EncodeMissingRequest(*env.Request)
		if err != nil {
			return fmt.Errorf("send %s: %w", env.ID, err)
		}
		if _, err := client.RequestMissing(ctx, wrapperspb.Bytes(body)); err != nil {
			return fmt.Errorf("request missing from %s: %w", env.To, err)
		}
	default:
		return fmt.Errorf("send %s: unknown envelope kind %q", env.ID, env.Kind)
	}
	return nil
}

func (p *Pool) client(peer ir.PeerID) (OverlayClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cc, ok := p.conns[peer]; ok {
		return NewOverlayClient(cc), nil
	}
	addr, ok := p.addrs[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPeer, peer)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if p.opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(p.opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(p.opts.MaxMsgBytes),
			),
		)
	}
	dialOpts = append(dialOpts, p.opts.Extra...)

	cc, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", peer, addr, err)
	}
	p.conns[peer] = cc
	return NewOverlayClient(cc), nil
}

// Close closes every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for peer, cc := range p.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", peer, err))
		}
		delete(p.conns, peer)
	}
	return errors.Join(errs...)
}
