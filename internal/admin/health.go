package admin

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName — имя сервиса в grpc.health.v1.
const ServiceName = "chatgate.Gateway"

// Health — gRPC health check: SERVING, пока соединение открыто.
type Health struct {
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger
}

func NewHealth(logger *zap.Logger) *Health {
	logger = logger.With(zap.String("mod", "health"))
	h := &Health{
		health: health.NewServer(),
		logger: logger,
	}
	h.srv = grpc.NewServer(grpc.UnaryInterceptor(unaryLogInterceptor(logger)))
	healthpb.RegisterHealthServer(h.srv, h.health)
	h.SetServing(false)
	return h
}

// SetServing переключает статус и общего (""), и именованного сервиса.
func (h *Health) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(ServiceName, st)
}

// Check — тот же ответ, что получит внешний пробник.
func (h *Health) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

// Serve блокируется до GracefulStop.
func (h *Health) Serve(lis net.Listener) error {
	h.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return h.srv.Serve(lis)
}

func (h *Health) GracefulStop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}

// unaryLogInterceptor пишет в лог неуспешные вызовы
func unaryLogInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("grpc call failed",
				zap.String("method", info.FullMethod),
				zap.String("code", status.Code(err).String()))
		}
		return resp, err
	}
}
