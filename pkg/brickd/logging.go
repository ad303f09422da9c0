package brickd

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

var log = logrus.WithField("component", "brickd")

// SetLogger sets the logrus entry used by this package.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

// LoggingInterceptor returns a grpc.UnaryServerInterceptor that logs
// every request and its outcome.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		log.WithFields(logrus.Fields{"method": info.FullMethod, "request": req}).Debug("serving")
		resp, err := handler(ctx, req)
		if err != nil {
			log.WithFields(logrus.Fields{"method": info.FullMethod, "error": err}).Error("request failed")
			return resp, err
		}
		log.WithFields(logrus.Fields{"method": info.FullMethod, "response": resp}).Debug("served")
		return resp, nil
	}
}
