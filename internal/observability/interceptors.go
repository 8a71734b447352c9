package observability

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/macsched/internal/logging"
)

// ProcedureIDMetadataKey carries a caller-chosen procedure_id.
const ProcedureIDMetadataKey = "x-procedure-id"

// ProcedureUnaryServerInterceptor gives every control RPC a procedure_id,
// taken from inbound metadata when present, and stores a logger annotated
// with it and the method on the context.
func ProcedureUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(ProcedureIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithProcedureID(ctx, vals[0])
			}
		}
		ctx, log := logging.WithProcedureLogger(ctx, base, info.FullMethod)
		return handler(logging.ContextWithLogger(ctx, log), req)
	}
}
