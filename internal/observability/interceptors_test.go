package observability

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/macsched/internal/logging"
)

func TestProcedureInterceptorUsesInboundID(t *testing.T) {
	ic := ProcedureUnaryServerInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(ProcedureIDMetadataKey, "abc123"))

	var gotID string
	var gotLog logging.Logger
	_, err := ic(ctx, nil, info, func(ctx context.Context, req any) (any, error) {
		gotID = logging.ProcedureIDFromContext(ctx)
		gotLog = logging.LoggerFromContext(ctx)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor returned %v", err)
	}
	if gotID != "abc123" {
		t.Fatalf("procedure id = %q, want abc123", gotID)
	}
	if gotLog == nil {
		t.Fatalf("no logger on the handler context")
	}
}

func TestProcedureInterceptorGeneratesID(t *testing.T) {
	ic := ProcedureUnaryServerInterceptor(logging.Noop())
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	ids := make(map[string]bool)
	for i := 0; i < 2; i++ {
		_, _ = ic(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
			ids[logging.ProcedureIDFromContext(ctx)] = true
			return nil, nil
		})
	}
	if len(ids) != 2 || ids[""] {
		t.Fatalf("procedure ids = %v, want two distinct non-empty ids", ids)
	}
}
