package brickd

import (
	"context"
	"encoding/json"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mesosphere/brickd/pkg/singleflight"
)

// arbiter merges concurrent identical requests. Two requests merge
// only if they carry the same key and the same serialized body. A
// concurrent request with the same key but different parameters is
// rejected with Aborted.
type arbiter struct {
	group singleflight.Group
}

func (a *arbiter) do(ctx context.Context, key string, request interface{}, fn func() (interface{}, error)) (interface{}, error) {
	nonce, err := json.Marshal(request)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "cannot serialize request: %v", err)
	}
	ch, ok := a.group.DoChan(key, nonce, fn)
	if !ok {
		return nil, status.Errorf(codes.Aborted, "operation %q is already pending with different parameters", key)
	}
	select {
	case result := <-ch:
		return result.Val, result.Err
	case <-ctx.Done():
		return nil, status.Error(codes.Unavailable, ctx.Err().Error())
	}
}

// ControllerArbiter wraps a ControllerServer and merges concurrent
// identical volume and snapshot operations.
type ControllerArbiter struct {
	csi.ControllerServer
	arbiter arbiter
}

func NewControllerArbiter(inner csi.ControllerServer) *ControllerArbiter {
	return &ControllerArbiter{ControllerServer: inner}
}

func (a *ControllerArbiter) CreateVolume(
	ctx context.Context,
	request *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	v, err := a.arbiter.do(ctx, "create-volume:"+request.GetName(), request, func() (interface{}, error) {
		return a.ControllerServer.CreateVolume(ctx, request)
	})
	if err != nil {
		return nil, err
	}
	return v.(*csi.CreateVolumeResponse), nil
}

func (a *ControllerArbiter) DeleteVolume(
	ctx context.Context,
	request *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	v, err := a.arbiter.do(ctx, "delete-volume:"+request.GetVolumeId(), request, func() (interface{}, error) {
		return a.ControllerServer.DeleteVolume(ctx, request)
	})
	if err != nil {
		return nil, err
	}
	return v.(*csi.DeleteVolumeResponse), nil
}

func (a *ControllerArbiter) CreateSnapshot(
	ctx context.Context,
	request *csi.CreateSnapshotRequest) (*csi.CreateSnapshotResponse, error) {
	v, err := a.arbiter.do(ctx, "create-snapshot:"+request.GetName(), request, func() (interface{}, error) {
		return a.ControllerServer.CreateSnapshot(ctx, request)
	})
	if err != nil {
		return nil, err
	}
	return v.(*csi.CreateSnapshotResponse), nil
}

func (a *ControllerArbiter) DeleteSnapshot(
	ctx context.Context,
	request *csi.DeleteSnapshotRequest) (*csi.DeleteSnapshotResponse, error) {
	v, err := a.arbiter.do(ctx, "delete-snapshot:"+request.GetSnapshotId(), request, func() (interface{}, error) {
		return a.ControllerServer.DeleteSnapshot(ctx, request)
	})
	if err != nil {
		return nil, err
	}
	return v.(*csi.DeleteSnapshotResponse), nil
}

func (a *ControllerArbiter) ControllerExpandVolume(
	ctx context.Context,
	request *csi.ControllerExpandVolumeRequest) (*csi.ControllerExpandVolumeResponse, error) {
	v, err := a.arbiter.do(ctx, "expand-volume:"+request.GetVolumeId(), request, func() (interface{}, error) {
		return a.ControllerServer.ControllerExpandVolume(ctx, request)
	})
	if err != nil {
		return nil, err
	}
	return v.(*csi.ControllerExpandVolumeResponse), nil
}
