package transport

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/roach88/retract/internal/engine"
	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/packet"
)

// Metadata keys sent with every call.
const (
	MetadataPeer     = "x-retract-peer"
	MetadataProtocol = "x-retract-protocol"
)

// Receiver is the replica side of the overlay: the engine.
type Receiver interface {
	Submit(ctx context.Context, d engine.Delivery) (engine.Outcome, error)
	HandleMissingRequest(ctx context.Context, from ir.PeerID, req ir.MissingRequest) (int, error)
}

// Server exposes a Receiver over the Overlay gRPC service.
type Server struct {
	UnimplementedOverlayServer
	Receiver Receiver
}

// Deliver decodes and verifies one record and submits it.
func (s *Server) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s == nil || s.Receiver == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing receiver")
	}
	from, err := callerPeer(ctx)
	if err != nil {
		return nil, err
	}

	r, err := packet.Decode(in.GetValue())
	if err != nil {
		slog.Warn("undecodable packet dropped", "from", from, "error", err)
		return nil, mapDecodeErr(err)
	}

	outcome, err := s.Receiver.Submit(ctx, engine.Delivery{Record: r, From: from})
	if err != nil {
		if engine.IsMalformed(err) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.String(outcome.String()), nil
}

// RequestMissing queues the requested records for the caller.
func (s *Server) RequestMissing(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error) {
	if s == nil || s.Receiver == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing receiver")
	}
	from, err := callerPeer(ctx)
	if err != nil {
		return nil, err
	}

	req, err := packet.DecodeMissingRequest(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	n, err := s.Receiver.HandleMissingRequest(ctx, from, req)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Int64(int64(n)), nil
}

// callerPeer reads the calling peer's id and checks its protocol version.
func callerPeer(ctx context.Context) (ir.PeerID, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.InvalidArgument, "missing metadata")
	}
	if v := md.Get(MetadataProtocol); len(v) == 0 || v[0] != ir.ProtocolVersion {
		return "", status.Errorf(codes.FailedPrecondition, "protocol version %v, want %s", v, ir.ProtocolVersion)
	}
	peers := md.Get(MetadataPeer)
	if len(peers) == 0 || peers[0] == "" {
		return "", status.Error(codes.InvalidArgument, "missing peer id")
	}
	return ir.PeerID(peers[0]), nil
}

func mapDecodeErr(err error) error {
	switch {
	case errors.Is(err, packet.ErrBadSignature), errors.Is(err, packet.ErrBadMember):
		return status.Error(codes.Unauthenticated, err.Error())
	default:
		return status.Error(codes.InvalidArgument, err.Error())
	}
}
