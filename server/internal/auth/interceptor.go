package auth

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// APIKeyInterceptor returns a gRPC UnaryServerInterceptor that enforces API key
// authentication on every incoming call.
//
// Behaviour:
//   - If mode != "apikey" or key == "", all calls are allowed.
//   - Otherwise the value of header in the incoming metadata must equal key.
//     The comparison is constant-time.
//   - A missing, empty, or incorrect key returns codes.Unauthenticated.
//
// header should be lowercase; gRPC normalises metadata keys to lowercase.
func APIKeyInterceptor(mode, header, key string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if mode != "apikey" || key == "" {
			return handler(ctx, req)
		}
		if err := check(ctx, header, key); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func check(ctx context.Context, header, key string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(header)
	if len(vals) == 0 || vals[0] == "" {
		return status.Errorf(codes.Unauthenticated, "missing %s", header)
	}
	if subtle.ConstantTimeCompare([]byte(vals[0]), []byte(key)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}
