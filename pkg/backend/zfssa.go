package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesosphere/brickd/pkg/config"
	"github.com/mesosphere/brickd/pkg/connector"
	"github.com/mesosphere/brickd/pkg/execx"
	"github.com/mesosphere/brickd/pkg/zfssa"
)

func init() {
	Register("zfssa", NewZFSSADriver)
}

// maskAll is the appliance's built-in initiator group that hides a
// LUN from every initiator.
const maskAll = "com.sun.ms.vss.hg.maskAll"

// ZFSSADriver provisions LUNs on an Oracle ZFS Storage Appliance and
// exposes them over the appliance's iSCSI targets.
type ZFSSADriver struct {
	client *zfssa.Client
	cfg    config.ZFSSAConfig
}

// NewZFSSADriver builds the zfssa backend from config.
func NewZFSSADriver(cfg *config.Config, exec execx.Executor) (Driver, error) {
	c := cfg.ZFSSA
	for _, missing := range []struct{ name, value string }{
		{"url", c.URL},
		{"pool", c.Pool},
		{"project", c.Project},
		{"target_alias", c.TargetAlias},
	} {
		if missing.value == "" {
			return nil, fmt.Errorf("zfssa: config is missing %s", missing.name)
		}
	}
	return &ZFSSADriver{
		client: zfssa.NewClient(c.URL, c.Username, c.Password, c.Insecure),
		cfg:    c,
	}, nil
}

func (d *ZFSSADriver) CreateVolume(ctx context.Context, name string, sizeBytes int64) (*Volume, error) {
	id := uuid.New().String()
	lun, err := d.client.CreateLUN(ctx, d.cfg.Pool, d.cfg.Project, &zfssa.CreateLUNRequest{
		Name:           volumePrefix + id,
		Size:           sizeBytes,
		TargetGroup:    d.cfg.TargetGroup,
		InitiatorGroup: maskAll,
		Sparse:         true,
	})
	if err != nil {
		return nil, err
	}
	return &Volume{ID: id, SizeBytes: lun.Size}, nil
}

func (d *ZFSSADriver) DeleteVolume(ctx context.Context, volumeID string) error {
	return d.client.DeleteLUN(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volumeID)
}

func (d *ZFSSADriver) GetVolume(ctx context.Context, volumeID string) (*Volume, error) {
	lun, err := d.client.GetLUN(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volumeID)
	if zfssa.IsNotFound(err) {
		return nil, ErrVolumeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Volume{ID: volumeID, SizeBytes: lun.Size}, nil
}

func (d *ZFSSADriver) ListVolumes(ctx context.Context) ([]*Volume, error) {
	luns, err := d.client.ListLUNs(ctx, d.cfg.Pool, d.cfg.Project)
	if err != nil {
		return nil, err
	}
	var volumes []*Volume
	for _, lun := range luns {
		if !strings.HasPrefix(lun.Name, volumePrefix) {
			continue
		}
		volumes = append(volumes, &Volume{
			ID:        strings.TrimPrefix(lun.Name, volumePrefix),
			SizeBytes: lun.Size,
		})
	}
	return volumes, nil
}

func (d *ZFSSADriver) ExtendVolume(ctx context.Context, volumeID string, sizeBytes int64) error {
	err := d.client.ResizeLUN(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volumeID, sizeBytes)
	if zfssa.IsNotFound(err) {
		return ErrVolumeNotFound
	}
	return err
}

// Snapshot ids carry the source volume, since every appliance
// snapshot lives under its LUN.
func snapshotID(volumeID, snap string) string {
	return volumeID + "@" + snap
}

func splitSnapshotID(id string) (volumeID, snap string, err error) {
	volumeID, snap, ok := strings.Cut(id, "@")
	if !ok {
		return "", "", ErrSnapshotNotFound
	}
	return volumeID, snap, nil
}

func (d *ZFSSADriver) CreateSnapshot(ctx context.Context, volumeID, name string) (*Snapshot, error) {
	volume, err := d.GetVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	snap := snapshotPrefix + uuid.New().String()
	if err := d.client.CreateSnapshot(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volumeID, snap); err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:             snapshotID(volumeID, snap),
		SourceVolumeID: volumeID,
		SizeBytes:      volume.SizeBytes,
	}, nil
}

func (d *ZFSSADriver) DeleteSnapshot(ctx context.Context, id string) error {
	volumeID, snap, err := splitSnapshotID(id)
	if err != nil {
		return err
	}
	clones, err := d.client.NumClones(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volumeID, snap)
	if zfssa.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if clones > 0 {
		return ErrSnapshotHasClones
	}
	return d.client.DeleteSnapshot(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volumeID, snap)
}

func (d *ZFSSADriver) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	volumes, err := d.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}
	var snapshots []*Snapshot
	for _, volume := range volumes {
		snaps, err := d.client.ListSnapshots(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volume.ID)
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			if !strings.HasPrefix(snap.Name, snapshotPrefix) {
				continue
			}
			snapshots = append(snapshots, &Snapshot{
				ID:             snapshotID(volume.ID, snap.Name),
				SourceVolumeID: volume.ID,
				SizeBytes:      volume.SizeBytes,
			})
		}
	}
	return snapshots, nil
}

func (d *ZFSSADriver) CreateVolumeFromSnapshot(ctx context.Context, id, name string, sizeBytes int64) (*Volume, error) {
	volumeID, snap, err := splitSnapshotID(id)
	if err != nil {
		return nil, err
	}
	newID := uuid.New().String()
	err = d.client.CloneSnapshot(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volumeID, snap,
		d.cfg.Project, volumePrefix+newID)
	if zfssa.IsNotFound(err) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	volume, err := d.GetVolume(ctx, newID)
	if err != nil {
		return nil, err
	}
	if sizeBytes > volume.SizeBytes {
		if err := d.ExtendVolume(ctx, newID, sizeBytes); err != nil {
			return nil, err
		}
		volume.SizeBytes = sizeBytes
	}
	return volume, nil
}

// CloneVolume clones through a snapshot. The snapshot remains, the
// appliance refuses to delete a snapshot its clones depend on.
func (d *ZFSSADriver) CloneVolume(ctx context.Context, sourceVolumeID, name string, sizeBytes int64) (*Volume, error) {
	snapshot, err := d.CreateSnapshot(ctx, sourceVolumeID, "clone-"+name)
	if err != nil {
		return nil, err
	}
	return d.CreateVolumeFromSnapshot(ctx, snapshot.ID, name, sizeBytes)
}

func (d *ZFSSADriver) GetCapacity(ctx context.Context) (total, free int64, err error) {
	usage, err := d.client.GetPoolUsage(ctx, d.cfg.Pool)
	if err != nil {
		return 0, 0, err
	}
	return usage.Total, usage.Available, nil
}

func (d *ZFSSADriver) initiatorGroup(initiatorIQN string) string {
	if d.cfg.InitiatorGroup != "" {
		return d.cfg.InitiatorGroup
	}
	// One group per initiator keeps per-host masking exact.
	return "brickd-" + strings.NewReplacer(":", "-", ".", "-").Replace(initiatorIQN)
}

func (d *ZFSSADriver) PublishVolume(ctx context.Context, volumeID, initiatorIQN string) (*connector.ConnectionProperties, error) {
	group := d.initiatorGroup(initiatorIQN)
	if err := d.client.CreateInitiator(ctx, initiatorIQN, initiatorIQN, "", ""); err != nil {
		return nil, err
	}
	if err := d.client.SetInitiatorGroup(ctx, group, []string{initiatorIQN}); err != nil {
		return nil, err
	}
	if err := d.client.SetLUNInitiatorGroups(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volumeID, []string{group}); err != nil {
		if zfssa.IsNotFound(err) {
			return nil, ErrVolumeNotFound
		}
		return nil, err
	}
	target, err := d.client.GetTarget(ctx, d.cfg.TargetAlias)
	if err != nil {
		return nil, err
	}
	lun, err := d.client.GetLUN(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volumeID)
	if err != nil {
		return nil, err
	}
	port := d.cfg.PortalPort
	if port == 0 {
		port = 3260
	}
	log.WithFields(logrus.Fields{
		"volume":    volumeID,
		"initiator": initiatorIQN,
		"lun":       lun.Number,
	}).Info("published volume")
	return &connector.ConnectionProperties{
		DriverVolumeType: "iscsi",
		TargetPortal:     fmt.Sprintf("%s:%d", d.cfg.PortalIP, port),
		TargetIQN:        target.IQN,
		TargetLun:        lun.Number,
	}, nil
}

func (d *ZFSSADriver) UnpublishVolume(ctx context.Context, volumeID, initiatorIQN string) error {
	err := d.client.SetLUNInitiatorGroups(ctx, d.cfg.Pool, d.cfg.Project, volumePrefix+volumeID, []string{maskAll})
	if zfssa.IsNotFound(err) {
		return nil
	}
	return err
}
