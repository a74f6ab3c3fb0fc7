package mirror

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ppiankov/rootwatch/internal/audit"
)

// ServiceName is the fully qualified gRPC service of the collector.
const ServiceName = "rootwatch.mirror.v1.AuditMirror"

const appendMethod = "/" + ServiceName + "/Append"

// AuditMirrorServer is the collector side of the AuditMirror service. The
// request carries one raw JSONL audit line.
type AuditMirrorServer interface {
	Append(ctx context.Context, line *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func appendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuditMirrorServer).Append(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: appendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuditMirrorServer).Append(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var auditMirrorDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuditMirrorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: appendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rootwatch/mirror/v1/mirror.proto",
}

// RegisterAuditMirrorServer registers srv on s.
func RegisterAuditMirrorServer(s grpc.ServiceRegistrar, srv AuditMirrorServer) {
	s.RegisterService(&auditMirrorDesc, srv)
}

// GRPCSink calls AuditMirror/Append for every line.
type GRPCSink struct {
	conn   *grpc.ClientConn
	source string
}

// NewGRPCSink connects lazily to addr.
func NewGRPCSink(addr, source string, useTLS bool) (*GRPCSink, error) {
	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("mirror: connect %s: %w", addr, err)
	}
	if source == "" {
		source = defaultSource
	}
	return &GRPCSink{conn: conn, source: source}, nil
}

// Send invokes Append. Rejections the collector will repeat on every retry
// are permanent.
func (g *GRPCSink) Send(ctx context.Context, rec audit.Record, line []byte) error {
	ctx = metadata.AppendToOutgoingContext(ctx, sourceKey, g.source)
	err := g.conn.Invoke(ctx, appendMethod, wrapperspb.Bytes(line), new(emptypb.Empty))
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
		codes.Unauthenticated, codes.Unimplemented:
		return &PermanentError{Err: fmt.Errorf("mirror: append seq %d: %w", rec.Seq, err)}
	}
	return fmt.Errorf("mirror: append seq %d: %w", rec.Seq, err)
}

// Close closes the connection.
func (g *GRPCSink) Close() error {
	return g.conn.Close()
}
