package brickd

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ChainUnaryServer composes unary interceptors into one. The first
// interceptor wraps the second, and so on.
func ChainUnaryServer(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		chained := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := chained
			chained = func(ctx context.Context, req interface{}) (interface{}, error) {
				return interceptor(ctx, req, info, next)
			}
		}
		return chained(ctx, req)
	}
}

// RequestLimitInterceptor limits the backlog of pending requests.
// Requests beyond the limit fail immediately with ResourceExhausted
// rather than queue up behind a slow backend.
func RequestLimitInterceptor(limit int) grpc.UnaryServerInterceptor {
	slots := make(chan struct{}, limit)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
			return handler(ctx, req)
		default:
			return nil, status.Errorf(codes.ResourceExhausted,
				"too many pending requests (limit %d), try again later", limit)
		}
	}
}

// SerializingInterceptor serializes request handling. Storage CLIs
// and appliance sessions do not tolerate concurrent mutation well, so
// one request runs at a time.
func SerializingInterceptor() grpc.UnaryServerInterceptor {
	var mu sync.Mutex
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ok := make(chan struct{})
		go func() {
			mu.Lock()
			close(ok)
		}()
		select {
		case <-ok:
			defer mu.Unlock()
			return handler(ctx, req)
		case <-ctx.Done():
			// Unlock once the lock is acquired, the request
			// itself is abandoned.
			go func() {
				<-ok
				mu.Unlock()
			}()
			return nil, status.Error(codes.Unavailable, ctx.Err().Error())
		}
	}
}
