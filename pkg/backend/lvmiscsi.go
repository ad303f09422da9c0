package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesosphere/brickd/pkg/config"
	"github.com/mesosphere/brickd/pkg/connector"
	"github.com/mesosphere/brickd/pkg/execx"
	"github.com/mesosphere/brickd/pkg/lvm"
	"github.com/mesosphere/brickd/pkg/targets"
)

func init() {
	Register("lvmiscsi", NewLVMISCSIDriver)
}

const (
	volumePrefix   = "volume-"
	snapshotPrefix = "snapshot-"

	// Tag applied to every logical volume this driver manages, so
	// foreign volumes in a shared group are never touched.
	Tag = "brickd"
)

// LVMISCSIDriver provisions logical volumes in one volume group and
// exports them as iSCSI targets through a target admin helper.
type LVMISCSIDriver struct {
	vgName string
	lvm    *lvm.LVM
	exec   execx.Executor
	admin  targets.Admin
	cfg    config.LVMConfig

	mu   sync.Mutex
	tids map[string]int // volume id -> target id
}

// NewLVMISCSIDriver builds the lvmiscsi backend from config.
func NewLVMISCSIDriver(cfg *config.Config, exec execx.Executor) (Driver, error) {
	if cfg.LVM.VolumeGroup == "" {
		return nil, fmt.Errorf("lvmiscsi: config names no volume group")
	}
	helper := cfg.LVM.TargetHelper
	if helper == "" {
		helper = "tgtadm"
	}
	admin, err := targets.New(helper, exec)
	if err != nil {
		return nil, err
	}
	var lvmOpts []lvm.Option
	if cfg.LVM.LockFile != "" {
		lvmOpts = append(lvmOpts, lvm.WithLockFile(cfg.LVM.LockFile))
	}
	return &LVMISCSIDriver{
		vgName: cfg.LVM.VolumeGroup,
		lvm:    lvm.New(exec, lvmOpts...),
		exec:   exec,
		admin:  admin,
		cfg:    cfg.LVM,
		tids:   map[string]int{},
	}, nil
}

func (d *LVMISCSIDriver) vg(ctx context.Context) (*lvm.VolumeGroup, error) {
	return d.lvm.LookupVolumeGroup(ctx, d.vgName)
}

func (d *LVMISCSIDriver) lookup(ctx context.Context, lvName string) (*lvm.LogicalVolume, error) {
	vg, err := d.vg(ctx)
	if err != nil {
		return nil, err
	}
	lv, err := vg.LookupLogicalVolume(ctx, lvName)
	if lvm.IsLogicalVolumeNotFound(err) {
		return nil, ErrVolumeNotFound
	}
	return lv, err
}

func (d *LVMISCSIDriver) CreateVolume(ctx context.Context, name string, sizeBytes int64) (*Volume, error) {
	vg, err := d.vg(ctx)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	lv, err := vg.CreateLogicalVolume(ctx, volumePrefix+id, uint64(sizeBytes), []string{Tag})
	if err != nil {
		return nil, err
	}
	size, err := lv.SizeInBytes(ctx)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"volume": id, "size": size}).Info("created volume")
	return &Volume{ID: id, SizeBytes: int64(size)}, nil
}

func (d *LVMISCSIDriver) DeleteVolume(ctx context.Context, volumeID string) error {
	d.mu.Lock()
	_, published := d.tids[volumeID]
	d.mu.Unlock()
	if !published {
		// The map is empty after a daemon restart; the target
		// framework is the source of truth for exports.
		ok, err := d.admin.HasTarget(ctx, targets.IQN(volumeID))
		if err != nil {
			return err
		}
		published = ok
	}
	if published {
		return ErrVolumeInUse
	}
	lv, err := d.lookup(ctx, volumePrefix+volumeID)
	if err == ErrVolumeNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return lv.Remove(ctx)
}

func (d *LVMISCSIDriver) GetVolume(ctx context.Context, volumeID string) (*Volume, error) {
	lv, err := d.lookup(ctx, volumePrefix+volumeID)
	if err != nil {
		return nil, err
	}
	size, err := lv.SizeInBytes(ctx)
	if err != nil {
		return nil, err
	}
	return &Volume{ID: volumeID, SizeBytes: int64(size)}, nil
}

func (d *LVMISCSIDriver) ListVolumes(ctx context.Context) ([]*Volume, error) {
	vg, err := d.vg(ctx)
	if err != nil {
		return nil, err
	}
	names, err := vg.ListLogicalVolumeNames(ctx)
	if err != nil {
		return nil, err
	}
	var volumes []*Volume
	for _, name := range names {
		if !strings.HasPrefix(name, volumePrefix) {
			continue
		}
		id := strings.TrimPrefix(name, volumePrefix)
		volume, err := d.GetVolume(ctx, id)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, volume)
	}
	return volumes, nil
}

func (d *LVMISCSIDriver) ExtendVolume(ctx context.Context, volumeID string, sizeBytes int64) error {
	lv, err := d.lookup(ctx, volumePrefix+volumeID)
	if err != nil {
		return err
	}
	return lv.Extend(ctx, uint64(sizeBytes))
}

func (d *LVMISCSIDriver) CreateSnapshot(ctx context.Context, volumeID, name string) (*Snapshot, error) {
	lv, err := d.lookup(ctx, volumePrefix+volumeID)
	if err != nil {
		return nil, err
	}
	size, err := lv.SizeInBytes(ctx)
	if err != nil {
		return nil, err
	}
	vg, err := d.vg(ctx)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	// The COW store is sized to the origin so the snapshot can
	// never be invalidated by writes.
	if _, err := vg.CreateSnapshot(ctx, snapshotPrefix+id, volumePrefix+volumeID, size); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"snapshot": id, "volume": volumeID}).Info("created snapshot")
	return &Snapshot{ID: id, SourceVolumeID: volumeID, SizeBytes: int64(size)}, nil
}

func (d *LVMISCSIDriver) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	lv, err := d.lookup(ctx, snapshotPrefix+snapshotID)
	if err == ErrVolumeNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return lv.Remove(ctx)
}

func (d *LVMISCSIDriver) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	vg, err := d.vg(ctx)
	if err != nil {
		return nil, err
	}
	names, err := vg.ListLogicalVolumeNames(ctx)
	if err != nil {
		return nil, err
	}
	var snapshots []*Snapshot
	for _, name := range names {
		if !strings.HasPrefix(name, snapshotPrefix) {
			continue
		}
		lv, err := vg.LookupLogicalVolume(ctx, name)
		if err != nil {
			return nil, err
		}
		origin, err := lv.Origin(ctx)
		if err != nil {
			return nil, err
		}
		size, err := lv.SizeInBytes(ctx)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, &Snapshot{
			ID:             strings.TrimPrefix(name, snapshotPrefix),
			SourceVolumeID: strings.TrimPrefix(origin, volumePrefix),
			SizeBytes:      int64(size),
		})
	}
	return snapshots, nil
}

// copyBlocks duplicates one block device onto another.
func (d *LVMISCSIDriver) copyBlocks(ctx context.Context, src, dst string) error {
	_, err := d.exec.Execute(ctx, "dd", "if="+src, "of="+dst, "bs=1M", "conv=sparse,fsync")
	return err
}

func (d *LVMISCSIDriver) CreateVolumeFromSnapshot(ctx context.Context, snapshotID, name string, sizeBytes int64) (*Volume, error) {
	snap, err := d.lookup(ctx, snapshotPrefix+snapshotID)
	if err == ErrVolumeNotFound {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	snapSize, err := snap.SizeInBytes(ctx)
	if err != nil {
		return nil, err
	}
	if sizeBytes < int64(snapSize) {
		sizeBytes = int64(snapSize)
	}
	volume, err := d.CreateVolume(ctx, name, sizeBytes)
	if err != nil {
		return nil, err
	}
	if err := snap.Activate(ctx); err != nil {
		return nil, err
	}
	srcPath, err := snap.Path(ctx)
	if err != nil {
		return nil, err
	}
	dst, err := d.lookup(ctx, volumePrefix+volume.ID)
	if err != nil {
		return nil, err
	}
	dstPath, err := dst.Path(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.copyBlocks(ctx, srcPath, dstPath); err != nil {
		dst.Remove(ctx)
		return nil, err
	}
	return volume, nil
}

func (d *LVMISCSIDriver) CloneVolume(ctx context.Context, sourceVolumeID, name string, sizeBytes int64) (*Volume, error) {
	// Snapshot the source first so the copy reads a consistent
	// image even while the source is in use.
	snapshot, err := d.CreateSnapshot(ctx, sourceVolumeID, "clone-"+name)
	if err != nil {
		return nil, err
	}
	defer d.DeleteSnapshot(ctx, snapshot.ID)
	return d.CreateVolumeFromSnapshot(ctx, snapshot.ID, name, sizeBytes)
}

func (d *LVMISCSIDriver) GetCapacity(ctx context.Context) (total, free int64, err error) {
	vg, err := d.vg(ctx)
	if err != nil {
		return 0, 0, err
	}
	totalBytes, err := vg.BytesTotal(ctx)
	if err != nil {
		return 0, 0, err
	}
	freeBytes, err := vg.BytesFree(ctx)
	if err != nil {
		return 0, 0, err
	}
	return int64(totalBytes), int64(freeBytes), nil
}

func (d *LVMISCSIDriver) chap() *targets.CHAPCredentials {
	if d.cfg.CHAPUsername == "" {
		return nil
	}
	return &targets.CHAPCredentials{
		Username: d.cfg.CHAPUsername,
		Password: d.cfg.CHAPPassword,
	}
}

func (d *LVMISCSIDriver) portal() string {
	port := d.cfg.PortalPort
	if port == 0 {
		port = 3260
	}
	return fmt.Sprintf("%s:%d", d.cfg.PortalIP, port)
}

// lun returns the LUN the backing store is exported at. tgt reserves
// LUN 0 for its controller device.
func (d *LVMISCSIDriver) lun() int {
	if d.cfg.TargetHelper == "" || d.cfg.TargetHelper == "tgtadm" {
		return 1
	}
	return 0
}

// allocateTID picks the target id for a volume. The map does not
// survive a daemon restart, so the framework's live target list is
// consulted first: a target that already exists keeps its tid, and
// fresh tids skip over ones claimed by surviving targets.
func (d *LVMISCSIDriver) allocateTID(ctx context.Context, volumeID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tid, ok := d.tids[volumeID]; ok {
		return tid, nil
	}
	live, err := d.admin.ListTargets(ctx)
	if err != nil {
		return 0, err
	}
	if tid, ok := live[targets.IQN(volumeID)]; ok {
		d.tids[volumeID] = tid
		return tid, nil
	}
	used := map[int]bool{}
	for _, tid := range d.tids {
		used[tid] = true
	}
	for _, tid := range live {
		used[tid] = true
	}
	tid := 1
	for used[tid] {
		tid++
	}
	d.tids[volumeID] = tid
	return tid, nil
}

func (d *LVMISCSIDriver) PublishVolume(ctx context.Context, volumeID, initiatorIQN string) (*connector.ConnectionProperties, error) {
	lv, err := d.lookup(ctx, volumePrefix+volumeID)
	if err != nil {
		return nil, err
	}
	if err := lv.Activate(ctx); err != nil {
		return nil, err
	}
	path, err := lv.Path(ctx)
	if err != nil {
		return nil, err
	}
	iqn := targets.IQN(volumeID)
	chap := d.chap()
	tid, err := d.allocateTID(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	if err := d.admin.CreateTarget(ctx, tid, iqn, path, chap); err != nil {
		return nil, err
	}
	if err := d.admin.AddInitiator(ctx, iqn, initiatorIQN, chap); err != nil {
		return nil, err
	}
	props := &connector.ConnectionProperties{
		DriverVolumeType: "iscsi",
		TargetPortal:     d.portal(),
		TargetIQN:        iqn,
		TargetLun:        d.lun(),
	}
	if chap != nil {
		props.AuthMethod = "CHAP"
		props.AuthUsername = chap.Username
		props.AuthPassword = chap.Password
	}
	log.WithFields(logrus.Fields{
		"volume":    volumeID,
		"iqn":       iqn,
		"initiator": initiatorIQN,
	}).Info("published volume")
	return props, nil
}

func (d *LVMISCSIDriver) UnpublishVolume(ctx context.Context, volumeID, initiatorIQN string) error {
	iqn := targets.IQN(volumeID)
	d.mu.Lock()
	tid, published := d.tids[volumeID]
	delete(d.tids, volumeID)
	d.mu.Unlock()
	if !published {
		// The export may predate this process.
		live, err := d.admin.ListTargets(ctx)
		if err != nil {
			return err
		}
		tid, published = live[iqn]
		if !published {
			return nil
		}
	}
	if err := d.admin.RemoveTarget(ctx, tid, iqn); err != nil {
		return err
	}
	lv, err := d.lookup(ctx, volumePrefix+volumeID)
	if err == ErrVolumeNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := lv.Deactivate(ctx); err != nil {
		log.WithFields(logrus.Fields{
			"volume": volumeID,
			"error":  err,
		}).Warn("could not deactivate logical volume")
	}
	return nil
}
