// Package brickd exposes a backend.Driver as a CSI plugin. The
// controller service maps CSI volume lifecycle onto the driver; the
// node service turns the driver's connection properties into locally
// attached, formatted and mounted devices.
package brickd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/uber-go/tally"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mesosphere/brickd/pkg/backend"
	"github.com/mesosphere/brickd/pkg/connector"
	"github.com/mesosphere/brickd/pkg/execx"
	"github.com/mesosphere/brickd/pkg/scsi"
	"github.com/mesosphere/brickd/pkg/version"
)

const PluginName = "io.mesosphere.dcos.storage/brickd"
const PluginVersion = "1.0.0"

// publishContextKey carries the serialized connection properties
// from ControllerPublishVolume to NodeStageVolume.
const publishContextKey = "brickd.connection"

// stagingStateFile records the connection under the staging path so
// NodeUnstageVolume can disconnect after a daemon restart.
const stagingStateFile = "brickd.json"

type Server struct {
	csi.UnimplementedIdentityServer
	csi.UnimplementedControllerServer
	csi.UnimplementedNodeServer

	driver               backend.Driver
	exec                 execx.Executor
	nodeID               string
	defaultVolumeSize    int64
	supportedFilesystems map[string]string
	probeModules         map[string]struct{}
	metrics              tally.Scope
	scsi                 *scsi.Linux
	connectorOpts        []connector.Option

	// Mount syscalls and connector construction, substituted by
	// node service tests.
	mountFn      func(source, target, fstype string, flags uintptr, data string) error
	unmountFn    func(target string, flags int) error
	newConnector func(driverVolumeType string, exec execx.Executor, opts ...connector.Option) (connector.Connector, error)

	mu sync.Mutex
	// CreateVolume is idempotent per name; ids are backend-issued.
	volumeNames   map[string]string
	snapshotNames map[string]string
	creationTimes map[string]*timestamppb.Timestamp
}

// NewServer returns a Server serving volumes from the given backend
// driver. It accepts a variadic list of ServerOpt with which the
// server's default options can be overwritten.
func NewServer(driver backend.Driver, exec execx.Executor, defaultFs string, opts ...ServerOpt) *Server {
	const defaultVolumeSize = 10 << 30
	s := &Server{
		driver:            driver,
		exec:              exec,
		defaultVolumeSize: defaultVolumeSize,
		supportedFilesystems: map[string]string{
			"":        defaultFs,
			defaultFs: defaultFs,
		},
		probeModules:  map[string]struct{}{},
		metrics:       tally.NoopScope,
		scsi:          scsi.New(exec),
		mountFn:       syscall.Mount,
		unmountFn:     syscall.Unmount,
		newConnector:  connector.New,
		volumeNames:   map[string]string{},
		snapshotNames: map[string]string{},
		creationTimes: map[string]*timestamppb.Timestamp{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ServerOpt func(*Server)

// NodeID sets the node ID reported by the node service.
func NodeID(id string) ServerOpt {
	return func(s *Server) {
		s.nodeID = id
	}
}

// DefaultVolumeSize sets the default size in bytes of new volumes if
// no volume capacity is specified.
func DefaultVolumeSize(size int64) ServerOpt {
	return func(s *Server) {
		s.defaultVolumeSize = size
	}
}

func SupportedFilesystem(fstype string) ServerOpt {
	if fstype == "" {
		panic("brickd: SupportedFilesystem: filesystem type not provided")
	}
	return func(s *Server) {
		s.supportedFilesystems[fstype] = fstype
	}
}

// ProbeModules configures probing for the given kernel modules, e.g.
// iscsi_tcp or dm_multipath.
func ProbeModules(names []string) ServerOpt {
	return func(s *Server) {
		for _, name := range names {
			s.probeModules[name] = struct{}{}
		}
	}
}

// Metrics sets the tally.Scope the server reports metrics to.
func Metrics(scope tally.Scope) ServerOpt {
	return func(s *Server) {
		s.metrics = scope
	}
}

// ConnectorOptions passes options through to volume connectors, used
// by tests to substitute the filesystem and lock path.
func ConnectorOptions(opts ...connector.Option) ServerOpt {
	return func(s *Server) {
		s.connectorOpts = opts
	}
}

func (s *Server) SupportedFilesystems() map[string]string {
	m := map[string]string{}
	for k, v := range s.supportedFilesystems {
		m[k] = v
	}
	return m
}

// IdentityService RPCs

func (s *Server) GetPluginInfo(
	ctx context.Context,
	request *csi.GetPluginInfoRequest) (*csi.GetPluginInfoResponse, error) {
	info := version.Get()
	return &csi.GetPluginInfoResponse{
		Name:          PluginName,
		VendorVersion: PluginVersion,
		Manifest: map[string]string{
			"build-sha":  info.BuildSHA,
			"build-time": info.BuildTime,
		},
	}, nil
}

func (s *Server) GetPluginCapabilities(
	ctx context.Context,
	request *csi.GetPluginCapabilitiesRequest) (*csi.GetPluginCapabilitiesResponse, error) {
	return &csi.GetPluginCapabilitiesResponse{
		Capabilities: []*csi.PluginCapability{
			{
				Type: &csi.PluginCapability_Service_{
					Service: &csi.PluginCapability_Service{
						Type: csi.PluginCapability_Service_CONTROLLER_SERVICE,
					},
				},
			},
			{
				Type: &csi.PluginCapability_VolumeExpansion_{
					VolumeExpansion: &csi.PluginCapability_VolumeExpansion{
						Type: csi.PluginCapability_VolumeExpansion_ONLINE,
					},
				},
			},
		},
	}, nil
}

// Probe verifies that the required kernel modules are loaded and the
// backend is reachable.
func (s *Server) Probe(
	ctx context.Context,
	request *csi.ProbeRequest) (*csi.ProbeResponse, error) {
	for module := range s.probeModules {
		ok, err := s.scsi.HasModule(module)
		if err != nil {
			return nil, status.Errorf(codes.FailedPrecondition, "cannot read kernel modules: %v", err)
		}
		if !ok {
			return nil, status.Errorf(codes.FailedPrecondition, "kernel module %q is not loaded", module)
		}
	}
	if _, _, err := s.driver.GetCapacity(ctx); err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "backend is not ready: %v", err)
	}
	return &csi.ProbeResponse{
		Ready: wrapperspb.Bool(true),
	}, nil
}

// ControllerService RPCs

func (s *Server) ControllerGetCapabilities(
	ctx context.Context,
	request *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	capabilities := []csi.ControllerServiceCapability_RPC_Type{
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
		csi.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
		csi.ControllerServiceCapability_RPC_LIST_VOLUMES,
		csi.ControllerServiceCapability_RPC_GET_CAPACITY,
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_SNAPSHOT,
		csi.ControllerServiceCapability_RPC_LIST_SNAPSHOTS,
		csi.ControllerServiceCapability_RPC_CLONE_VOLUME,
		csi.ControllerServiceCapability_RPC_EXPAND_VOLUME,
	}
	var out []*csi.ControllerServiceCapability
	for _, capability := range capabilities {
		out = append(out, &csi.ControllerServiceCapability{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{
					Type: capability,
				},
			},
		})
	}
	return &csi.ControllerGetCapabilitiesResponse{Capabilities: out}, nil
}

// requestedSize resolves a capacity range against the default size.
func (s *Server) requestedSize(capacityRange *csi.CapacityRange) (int64, error) {
	if capacityRange == nil {
		return s.defaultVolumeSize, nil
	}
	required := capacityRange.GetRequiredBytes()
	limit := capacityRange.GetLimitBytes()
	if limit > 0 && required > limit {
		return 0, status.Error(codes.InvalidArgument, "required_bytes exceeds limit_bytes")
	}
	if required == 0 {
		if limit > 0 && s.defaultVolumeSize > limit {
			return limit, nil
		}
		return s.defaultVolumeSize, nil
	}
	return required, nil
}

func (s *Server) CreateVolume(
	ctx context.Context,
	request *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	name := request.GetName()
	size, err := s.requestedSize(request.GetCapacityRange())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	existingID, ok := s.volumeNames[name]
	s.mu.Unlock()
	if ok {
		volume, err := s.driver.GetVolume(ctx, existingID)
		if err != nil {
			return nil, convertBackendError(err)
		}
		if limit := request.GetCapacityRange().GetLimitBytes(); limit > 0 && volume.SizeBytes > limit {
			return nil, status.Errorf(codes.AlreadyExists,
				"volume %q already exists with size %d", name, volume.SizeBytes)
		}
		return &csi.CreateVolumeResponse{Volume: csiVolume(volume)}, nil
	}

	var volume *backend.Volume
	switch source := request.GetVolumeContentSource(); {
	case source.GetSnapshot() != nil:
		volume, err = s.driver.CreateVolumeFromSnapshot(ctx, source.GetSnapshot().GetSnapshotId(), name, size)
	case source.GetVolume() != nil:
		volume, err = s.driver.CloneVolume(ctx, source.GetVolume().GetVolumeId(), name, size)
	default:
		volume, err = s.driver.CreateVolume(ctx, name, size)
	}
	if err != nil {
		return nil, convertBackendError(err)
	}

	s.mu.Lock()
	s.volumeNames[name] = volume.ID
	s.mu.Unlock()

	response := &csi.CreateVolumeResponse{Volume: csiVolume(volume)}
	response.Volume.ContentSource = request.GetVolumeContentSource()
	return response, nil
}

func csiVolume(volume *backend.Volume) *csi.Volume {
	return &csi.Volume{
		VolumeId:      volume.ID,
		CapacityBytes: volume.SizeBytes,
	}
}

func (s *Server) DeleteVolume(
	ctx context.Context,
	request *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	id := request.GetVolumeId()
	if err := s.driver.DeleteVolume(ctx, id); err != nil {
		return nil, convertBackendError(err)
	}
	s.mu.Lock()
	for name, volumeID := range s.volumeNames {
		if volumeID == id {
			delete(s.volumeNames, name)
		}
	}
	s.mu.Unlock()
	return &csi.DeleteVolumeResponse{}, nil
}

func (s *Server) ControllerPublishVolume(
	ctx context.Context,
	request *csi.ControllerPublishVolumeRequest) (*csi.ControllerPublishVolumeResponse, error) {
	props, err := s.driver.PublishVolume(ctx, request.GetVolumeId(), request.GetNodeId())
	if err != nil {
		return nil, convertBackendError(err)
	}
	if request.GetReadonly() {
		props.AccessMode = "ro"
	}
	buf, err := json.Marshal(props)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "cannot encode connection properties: %v", err)
	}
	return &csi.ControllerPublishVolumeResponse{
		PublishContext: map[string]string{
			publishContextKey: string(buf),
		},
	}, nil
}

func (s *Server) ControllerUnpublishVolume(
	ctx context.Context,
	request *csi.ControllerUnpublishVolumeRequest) (*csi.ControllerUnpublishVolumeResponse, error) {
	if err := s.driver.UnpublishVolume(ctx, request.GetVolumeId(), request.GetNodeId()); err != nil {
		return nil, convertBackendError(err)
	}
	return &csi.ControllerUnpublishVolumeResponse{}, nil
}

func (s *Server) ValidateVolumeCapabilities(
	ctx context.Context,
	request *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	if _, err := s.driver.GetVolume(ctx, request.GetVolumeId()); err != nil {
		return nil, convertBackendError(err)
	}
	for _, capability := range request.GetVolumeCapabilities() {
		if mnt := capability.GetMount(); mnt != nil {
			if _, ok := s.supportedFilesystems[mnt.GetFsType()]; !ok {
				return &csi.ValidateVolumeCapabilitiesResponse{
					Message: fmt.Sprintf("filesystem %q is not supported", mnt.GetFsType()),
				}, nil
			}
		}
	}
	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeCapabilities: request.GetVolumeCapabilities(),
		},
	}, nil
}

func (s *Server) ListVolumes(
	ctx context.Context,
	request *csi.ListVolumesRequest) (*csi.ListVolumesResponse, error) {
	volumes, err := s.driver.ListVolumes(ctx)
	if err != nil {
		return nil, convertBackendError(err)
	}
	var entries []*csi.ListVolumesResponse_Entry
	for _, volume := range volumes {
		entries = append(entries, &csi.ListVolumesResponse_Entry{
			Volume: csiVolume(volume),
		})
	}
	return &csi.ListVolumesResponse{Entries: entries}, nil
}

func (s *Server) GetCapacity(
	ctx context.Context,
	request *csi.GetCapacityRequest) (*csi.GetCapacityResponse, error) {
	for _, capability := range request.GetVolumeCapabilities() {
		if mnt := capability.GetMount(); mnt != nil {
			if _, ok := s.supportedFilesystems[mnt.GetFsType()]; !ok {
				// A volume with an unsupported filesystem
				// can never be provisioned.
				return &csi.GetCapacityResponse{AvailableCapacity: 0}, nil
			}
		}
	}
	_, free, err := s.driver.GetCapacity(ctx)
	if err != nil {
		return nil, convertBackendError(err)
	}
	return &csi.GetCapacityResponse{AvailableCapacity: free}, nil
}

func (s *Server) CreateSnapshot(
	ctx context.Context,
	request *csi.CreateSnapshotRequest) (*csi.CreateSnapshotResponse, error) {
	name := request.GetName()
	s.mu.Lock()
	existingID, ok := s.snapshotNames[name]
	s.mu.Unlock()
	if ok {
		snapshots, err := s.driver.ListSnapshots(ctx)
		if err != nil {
			return nil, convertBackendError(err)
		}
		for _, snapshot := range snapshots {
			if snapshot.ID != existingID {
				continue
			}
			if snapshot.SourceVolumeID != request.GetSourceVolumeId() {
				return nil, status.Errorf(codes.AlreadyExists,
					"snapshot %q already exists for another volume", name)
			}
			return &csi.CreateSnapshotResponse{Snapshot: s.csiSnapshot(snapshot)}, nil
		}
	}
	snapshot, err := s.driver.CreateSnapshot(ctx, request.GetSourceVolumeId(), name)
	if err != nil {
		return nil, convertBackendError(err)
	}
	s.mu.Lock()
	s.snapshotNames[name] = snapshot.ID
	s.creationTimes[snapshot.ID] = timestamppb.Now()
	s.mu.Unlock()
	return &csi.CreateSnapshotResponse{Snapshot: s.csiSnapshot(snapshot)}, nil
}

func (s *Server) csiSnapshot(snapshot *backend.Snapshot) *csi.Snapshot {
	s.mu.Lock()
	created := s.creationTimes[snapshot.ID]
	s.mu.Unlock()
	return &csi.Snapshot{
		SnapshotId:     snapshot.ID,
		SourceVolumeId: snapshot.SourceVolumeID,
		SizeBytes:      snapshot.SizeBytes,
		CreationTime:   created,
		ReadyToUse:     true,
	}
}

func (s *Server) DeleteSnapshot(
	ctx context.Context,
	request *csi.DeleteSnapshotRequest) (*csi.DeleteSnapshotResponse, error) {
	id := request.GetSnapshotId()
	if err := s.driver.DeleteSnapshot(ctx, id); err != nil {
		return nil, convertBackendError(err)
	}
	s.mu.Lock()
	for name, snapshotID := range s.snapshotNames {
		if snapshotID == id {
			delete(s.snapshotNames, name)
		}
	}
	delete(s.creationTimes, id)
	s.mu.Unlock()
	return &csi.DeleteSnapshotResponse{}, nil
}

func (s *Server) ListSnapshots(
	ctx context.Context,
	request *csi.ListSnapshotsRequest) (*csi.ListSnapshotsResponse, error) {
	snapshots, err := s.driver.ListSnapshots(ctx)
	if err != nil {
		return nil, convertBackendError(err)
	}
	var entries []*csi.ListSnapshotsResponse_Entry
	for _, snapshot := range snapshots {
		if id := request.GetSnapshotId(); id != "" && snapshot.ID != id {
			continue
		}
		if source := request.GetSourceVolumeId(); source != "" && snapshot.SourceVolumeID != source {
			continue
		}
		entries = append(entries, &csi.ListSnapshotsResponse_Entry{
			Snapshot: s.csiSnapshot(snapshot),
		})
	}
	return &csi.ListSnapshotsResponse{Entries: entries}, nil
}

func (s *Server) ControllerExpandVolume(
	ctx context.Context,
	request *csi.ControllerExpandVolumeRequest) (*csi.ControllerExpandVolumeResponse, error) {
	size, err := s.requestedSize(request.GetCapacityRange())
	if err != nil {
		return nil, err
	}
	volume, err := s.driver.GetVolume(ctx, request.GetVolumeId())
	if err != nil {
		return nil, convertBackendError(err)
	}
	if volume.SizeBytes >= size {
		return &csi.ControllerExpandVolumeResponse{
			CapacityBytes:         volume.SizeBytes,
			NodeExpansionRequired: false,
		}, nil
	}
	if err := s.driver.ExtendVolume(ctx, volume.ID, size); err != nil {
		return nil, convertBackendError(err)
	}
	nodeExpansion := request.GetVolumeCapability().GetMount() != nil
	return &csi.ControllerExpandVolumeResponse{
		CapacityBytes:         size,
		NodeExpansionRequired: nodeExpansion,
	}, nil
}

// NodeService RPCs

func (s *Server) NodeGetInfo(
	ctx context.Context,
	request *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	return &csi.NodeGetInfoResponse{NodeId: s.nodeID}, nil
}

func (s *Server) NodeGetCapabilities(
	ctx context.Context,
	request *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: []*csi.NodeServiceCapability{
			{
				Type: &csi.NodeServiceCapability_Rpc{
					Rpc: &csi.NodeServiceCapability_RPC{
						Type: csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
					},
				},
			},
		},
	}, nil
}

// stagingState is persisted next to the staged mount so the volume
// can be disconnected later.
type stagingState struct {
	Properties *connector.ConnectionProperties `json:"connection"`
	DevicePath string                          `json:"device_path"`
}

func (s *Server) saveStagingState(stagingPath string, state *stagingState) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stagingPath, stagingStateFile), buf, 0o600)
}

func (s *Server) loadStagingState(stagingPath string) (*stagingState, error) {
	buf, err := os.ReadFile(filepath.Join(stagingPath, stagingStateFile))
	if err != nil {
		return nil, err
	}
	state := new(stagingState)
	if err := json.Unmarshal(buf, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Server) NodeStageVolume(
	ctx context.Context,
	request *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	stagingPath := request.GetStagingTargetPath()
	encoded, ok := request.GetPublishContext()[publishContextKey]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "publish context carries no connection properties")
	}
	props := new(connector.ConnectionProperties)
	if err := json.Unmarshal([]byte(encoded), props); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "cannot decode connection properties: %v", err)
	}

	// Idempotency: the volume may already be staged.
	if mp, err := s.scsi.GetMountAt(stagingPath); err == nil && mp != nil {
		return &csi.NodeStageVolumeResponse{}, nil
	}

	conn, err := s.newConnector(props.DriverVolumeType, s.exec, s.connectorOpts...)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	info, err := conn.ConnectVolume(ctx, props)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "cannot attach volume: %v", err)
	}

	if block := request.GetVolumeCapability().GetBlock(); block != nil {
		// Raw block volumes are bind mounted at publish time,
		// staging only attaches the device.
		if err := s.saveStagingState(stagingPath, &stagingState{Properties: props, DevicePath: info.Path}); err != nil {
			return nil, status.Errorf(codes.Internal, "cannot record staging state: %v", err)
		}
		return &csi.NodeStageVolumeResponse{}, nil
	}

	fstype := s.supportedFilesystems[request.GetVolumeCapability().GetMount().GetFsType()]
	existingFstype, err := s.determineFilesystemType(ctx, info.Path)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "cannot inspect device %s: %v", info.Path, err)
	}
	if existingFstype == "" {
		if err := s.formatDevice(ctx, info.Path, fstype); err != nil {
			return nil, status.Errorf(codes.Internal, "cannot format device: %v", err)
		}
		existingFstype = fstype
	}
	if existingFstype != fstype {
		return nil, status.Errorf(codes.FailedPrecondition,
			"device carries filesystem %q, requested %q", existingFstype, fstype)
	}

	var flags uintptr
	if props.AccessMode == "ro" {
		flags |= syscall.MS_RDONLY
	}
	mountOptions := joinMountOptions(request.GetVolumeCapability().GetMount().GetMountFlags())
	// The state file has to land in the underlying staging directory,
	// not inside the mounted filesystem, so NodeUnstageVolume can read
	// it back after unmounting.
	if err := s.saveStagingState(stagingPath, &stagingState{Properties: props, DevicePath: info.Path}); err != nil {
		return nil, status.Errorf(codes.Internal, "cannot record staging state: %v", err)
	}
	if err := s.mountFn(info.Path, stagingPath, fstype, flags, mountOptions); err != nil {
		return nil, status.Errorf(codes.Internal, "cannot mount %s at %s: %v", info.Path, stagingPath, err)
	}
	return &csi.NodeStageVolumeResponse{}, nil
}

func (s *Server) NodeUnstageVolume(
	ctx context.Context,
	request *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	stagingPath := request.GetStagingTargetPath()
	if mp, err := s.scsi.GetMountAt(stagingPath); err == nil && mp != nil {
		if err := s.unmountFn(stagingPath, 0); err != nil {
			return nil, status.Errorf(codes.Internal, "cannot unmount %s: %v", stagingPath, err)
		}
	}
	state, err := s.loadStagingState(stagingPath)
	if os.IsNotExist(err) {
		// Nothing was staged here.
		return &csi.NodeUnstageVolumeResponse{}, nil
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "cannot read staging state: %v", err)
	}
	conn, err := s.newConnector(state.Properties.DriverVolumeType, s.exec, s.connectorOpts...)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if err := conn.DisconnectVolume(ctx, state.Properties, false); err != nil {
		return nil, status.Errorf(codes.Internal, "cannot detach volume: %v", err)
	}
	if err := os.Remove(filepath.Join(stagingPath, stagingStateFile)); err != nil && !os.IsNotExist(err) {
		return nil, status.Errorf(codes.Internal, "cannot remove staging state: %v", err)
	}
	return &csi.NodeUnstageVolumeResponse{}, nil
}

func (s *Server) NodePublishVolume(
	ctx context.Context,
	request *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	stagingPath := request.GetStagingTargetPath()
	targetPath := request.GetTargetPath()

	if mp, err := s.scsi.GetMountAt(targetPath); err == nil && mp != nil {
		return &csi.NodePublishVolumeResponse{}, nil
	}

	var sourcePath string
	if request.GetVolumeCapability().GetBlock() != nil {
		state, err := s.loadStagingState(stagingPath)
		if err != nil {
			return nil, status.Errorf(codes.FailedPrecondition, "volume is not staged: %v", err)
		}
		sourcePath = state.DevicePath
		if err := ensureFile(targetPath); err != nil {
			return nil, status.Errorf(codes.Internal, "cannot create target path: %v", err)
		}
	} else {
		sourcePath = stagingPath
		if err := os.MkdirAll(targetPath, 0o755); err != nil {
			return nil, status.Errorf(codes.Internal, "cannot create target path: %v", err)
		}
	}

	flags := uintptr(syscall.MS_BIND)
	if request.GetReadonly() {
		flags |= syscall.MS_RDONLY
	}
	if err := s.mountFn(sourcePath, targetPath, "", flags, ""); err != nil {
		return nil, status.Errorf(codes.Internal, "cannot bind mount %s at %s: %v", sourcePath, targetPath, err)
	}
	return &csi.NodePublishVolumeResponse{}, nil
}

func (s *Server) NodeUnpublishVolume(
	ctx context.Context,
	request *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	targetPath := request.GetTargetPath()
	mp, err := s.scsi.GetMountAt(targetPath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "cannot inspect mounts: %v", err)
	}
	if mp == nil {
		// Nothing is mounted at targetPath; support idempotent
		// retries by returning success.
		return &csi.NodeUnpublishVolumeResponse{}, nil
	}
	if err := s.unmountFn(targetPath, 0); err != nil {
		return nil, status.Errorf(codes.Internal, "cannot unmount %s: %v", targetPath, err)
	}
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

func ensureFile(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}
