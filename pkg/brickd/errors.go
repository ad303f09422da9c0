package brickd

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mesosphere/brickd/pkg/backend"
)

// convertBackendError maps driver errors onto grpc status codes.
func convertBackendError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrVolumeNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, backend.ErrSnapshotNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, backend.ErrVolumeInUse):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, backend.ErrSnapshotHasClones):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
