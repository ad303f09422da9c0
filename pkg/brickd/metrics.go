package brickd

import (
	"context"
	"time"

	"github.com/uber-go/tally"
	"google.golang.org/grpc"
)

// MetricsInterceptor returns a grpc.UnaryServerInterceptor that
// reports a timer and success/failure counters per RPC.
func MetricsInterceptor(scope tally.Scope) grpc.UnaryServerInterceptor {
	scope = scope.SubScope("requests")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		timer := scope.Tagged(map[string]string{"method": info.FullMethod}).Timer("duration")
		defer timer.Start().Stop()
		resp, err := handler(ctx, req)
		tags := map[string]string{"method": info.FullMethod, "result_type": "success"}
		if err != nil {
			tags["result_type"] = "error"
		}
		scope.Tagged(tags).Counter("total").Inc(1)
		return resp, err
	}
}

// ReportUptime reports an uptime gauge once a second until the
// context is canceled.
func ReportUptime(ctx context.Context, scope tally.Scope) {
	launch := time.Now()
	gauge := scope.Gauge("uptime")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gauge.Update(time.Since(launch).Seconds())
		}
	}
}

// ReportStorageMetrics periodically reports capacity and volume
// count gauges from the server's backend.
func (s *Server) ReportStorageMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportStorageMetrics(ctx)
		}
	}
}

func (s *Server) reportStorageMetrics(ctx context.Context) {
	total, free, err := s.driver.GetCapacity(ctx)
	if err != nil {
		log.WithField("error", err).Warn("cannot report capacity metrics")
	} else {
		s.metrics.Gauge("bytes-total").Update(float64(total))
		s.metrics.Gauge("bytes-free").Update(float64(free))
		s.metrics.Gauge("bytes-used").Update(float64(total - free))
	}
	volumes, err := s.driver.ListVolumes(ctx)
	if err != nil {
		log.WithField("error", err).Warn("cannot report volume metrics")
		return
	}
	s.metrics.Gauge("volumes").Update(float64(len(volumes)))
}
