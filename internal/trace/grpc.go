package trace

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryServerInterceptor continues the caller's trace for unary calls and logs failures.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = extractMetadata(ctx)
		resp, err := handler(ctx, req)
		if err != nil {
			Logger(ctx).Debug("grpc call failed", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

// StreamServerInterceptor continues the caller's trace for streaming calls (health Watch).
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return handler(srv, &tracedStream{ServerStream: ss, ctx: extractMetadata(ss.Context())})
	}
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context { return s.ctx }

func extractMetadata(ctx context.Context) context.Context {
	var traceID, spanID string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		traceID = first(md.Get(TraceIDKey))
		spanID = first(md.Get(SpanIDKey))
	}
	return WithContext(ctx, continueFrom(traceID, spanID))
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}
