package brickd

import (
	"context"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Validators wrap the CSI services and check required request fields
// before the request reaches the server. Validation failures map to
// InvalidArgument, unsupported capabilities to InvalidArgument with a
// reason.

func IdentityServerValidator(inner csi.IdentityServer) csi.IdentityServer {
	return &identityValidator{inner}
}

type identityValidator struct {
	csi.IdentityServer
}

func ControllerServerValidator(inner csi.ControllerServer, supportedFilesystems map[string]string) csi.ControllerServer {
	return &controllerValidator{inner, supportedFilesystems}
}

type controllerValidator struct {
	csi.ControllerServer
	supportedFilesystems map[string]string
}

func (v *controllerValidator) validateVolumeCapability(capability *csi.VolumeCapability) error {
	if capability == nil {
		return status.Error(codes.InvalidArgument, "volume_capability field is required")
	}
	accessType := capability.GetAccessType()
	if accessType == nil {
		return status.Error(codes.InvalidArgument, "volume_capability.access_type field is required")
	}
	if mnt := capability.GetMount(); mnt != nil {
		if _, ok := v.supportedFilesystems[mnt.GetFsType()]; !ok {
			return status.Errorf(codes.InvalidArgument, "filesystem type %q is not supported", mnt.GetFsType())
		}
	}
	mode := capability.GetAccessMode()
	if mode == nil {
		return status.Error(codes.InvalidArgument, "volume_capability.access_mode field is required")
	}
	switch mode.GetMode() {
	case csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
		csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY:
		return nil
	default:
		return status.Errorf(codes.InvalidArgument, "access mode %s is not supported", mode.GetMode())
	}
}

func (v *controllerValidator) CreateVolume(
	ctx context.Context,
	request *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	if request.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "name field is required")
	}
	capabilities := request.GetVolumeCapabilities()
	if len(capabilities) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume_capabilities field is required")
	}
	for _, capability := range capabilities {
		if err := v.validateVolumeCapability(capability); err != nil {
			return nil, err
		}
	}
	return v.ControllerServer.CreateVolume(ctx, request)
}

func (v *controllerValidator) DeleteVolume(
	ctx context.Context,
	request *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	if request.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id field is required")
	}
	return v.ControllerServer.DeleteVolume(ctx, request)
}

func (v *controllerValidator) ControllerPublishVolume(
	ctx context.Context,
	request *csi.ControllerPublishVolumeRequest) (*csi.ControllerPublishVolumeResponse, error) {
	if request.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id field is required")
	}
	if request.GetNodeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id field is required")
	}
	if err := v.validateVolumeCapability(request.GetVolumeCapability()); err != nil {
		return nil, err
	}
	return v.ControllerServer.ControllerPublishVolume(ctx, request)
}

func (v *controllerValidator) ControllerUnpublishVolume(
	ctx context.Context,
	request *csi.ControllerUnpublishVolumeRequest) (*csi.ControllerUnpublishVolumeResponse, error) {
	if request.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id field is required")
	}
	return v.ControllerServer.ControllerUnpublishVolume(ctx, request)
}

func (v *controllerValidator) ValidateVolumeCapabilities(
	ctx context.Context,
	request *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	if request.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id field is required")
	}
	if len(request.GetVolumeCapabilities()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume_capabilities field is required")
	}
	return v.ControllerServer.ValidateVolumeCapabilities(ctx, request)
}

func (v *controllerValidator) CreateSnapshot(
	ctx context.Context,
	request *csi.CreateSnapshotRequest) (*csi.CreateSnapshotResponse, error) {
	if request.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "name field is required")
	}
	if request.GetSourceVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "source_volume_id field is required")
	}
	return v.ControllerServer.CreateSnapshot(ctx, request)
}

func (v *controllerValidator) DeleteSnapshot(
	ctx context.Context,
	request *csi.DeleteSnapshotRequest) (*csi.DeleteSnapshotResponse, error) {
	if request.GetSnapshotId() == "" {
		return nil, status.Error(codes.InvalidArgument, "snapshot_id field is required")
	}
	return v.ControllerServer.DeleteSnapshot(ctx, request)
}

func (v *controllerValidator) ControllerExpandVolume(
	ctx context.Context,
	request *csi.ControllerExpandVolumeRequest) (*csi.ControllerExpandVolumeResponse, error) {
	if request.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id field is required")
	}
	if request.GetCapacityRange() == nil {
		return nil, status.Error(codes.InvalidArgument, "capacity_range field is required")
	}
	return v.ControllerServer.ControllerExpandVolume(ctx, request)
}

func NodeServerValidator(inner csi.NodeServer, supportedFilesystems map[string]string) csi.NodeServer {
	return &nodeValidator{inner, &controllerValidator{supportedFilesystems: supportedFilesystems}}
}

type nodeValidator struct {
	csi.NodeServer
	caps *controllerValidator
}

func (v *nodeValidator) NodeStageVolume(
	ctx context.Context,
	request *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	if request.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id field is required")
	}
	if request.GetStagingTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "staging_target_path field is required")
	}
	if err := v.caps.validateVolumeCapability(request.GetVolumeCapability()); err != nil {
		return nil, err
	}
	return v.NodeServer.NodeStageVolume(ctx, request)
}

func (v *nodeValidator) NodeUnstageVolume(
	ctx context.Context,
	request *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	if request.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id field is required")
	}
	if request.GetStagingTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "staging_target_path field is required")
	}
	return v.NodeServer.NodeUnstageVolume(ctx, request)
}

func (v *nodeValidator) NodePublishVolume(
	ctx context.Context,
	request *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	if request.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id field is required")
	}
	if request.GetStagingTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "staging_target_path field is required")
	}
	if request.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "target_path field is required")
	}
	if err := v.caps.validateVolumeCapability(request.GetVolumeCapability()); err != nil {
		return nil, err
	}
	return v.NodeServer.NodePublishVolume(ctx, request)
}

func (v *nodeValidator) NodeUnpublishVolume(
	ctx context.Context,
	request *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	if request.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id field is required")
	}
	if request.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "target_path field is required")
	}
	return v.NodeServer.NodeUnpublishVolume(ctx, request)
}
