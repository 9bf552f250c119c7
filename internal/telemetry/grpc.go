package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"

	"github.com/victornm/livequiz/internal/errors"
)

// GRPCServerInterceptor logs every finished call on l and turns handler panics into Internal errors.
func GRPCServerInterceptor(l *slog.Logger) grpc.ServerOption {
	opts := []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
	}

	return grpc.ChainUnaryInterceptor(
		logging.UnaryServerInterceptor(grpcServerLogger(l), opts...),
		recovery.UnaryServerInterceptor(recovery.WithRecoveryHandlerContext(recoverGRPC(l))),
	)
}

func grpcServerLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), "grpc: "+msg, fields...)
	})
}

func recoverGRPC(l *slog.Logger) recovery.RecoveryHandlerFuncContext {
	return func(ctx context.Context, p any) error {
		l.ErrorContext(ctx, "grpc: handler panicked", "panic", p)
		return errors.Internal(fmt.Errorf("panic: %v", p))
	}
}
