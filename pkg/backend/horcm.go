package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/mesosphere/brickd/pkg/config"
	"github.com/mesosphere/brickd/pkg/connector"
	"github.com/mesosphere/brickd/pkg/execx"
)

func init() {
	Register("hitachi-horcm", NewHORCMDriver)
}

const (
	// blockSize is the array's fixed LDEV block size.
	blockSize = 512

	snapshotGroup = "brickd"
)

// HORCMDriver provisions LDEVs on a Hitachi RAID array through the
// raidcom CLI and maps them to Fibre Channel host groups. Volume ids
// are LDEV numbers.
type HORCMDriver struct {
	exec execx.Executor
	cfg  config.HitachiConfig

	// raidcom modify commands complete asynchronously; the
	// command status register is shared per instance.
	mu sync.Mutex
}

// NewHORCMDriver builds the hitachi-horcm backend from config.
func NewHORCMDriver(cfg *config.Config, exec execx.Executor) (Driver, error) {
	if len(cfg.Hitachi.TargetPorts) == 0 || len(cfg.Hitachi.HostGroups) == 0 {
		return nil, fmt.Errorf("hitachi-horcm: config names no target ports or host groups")
	}
	return &HORCMDriver{exec: exec, cfg: cfg.Hitachi}, nil
}

func (d *HORCMDriver) raidcom(ctx context.Context, args ...string) ([]byte, error) {
	args = append(args, "-I"+strconv.Itoa(d.cfg.Instance))
	return d.exec.Execute(ctx, "raidcom", args...)
}

// waitCommandStatus polls the instance's asynchronous command status
// register until all submitted commands have completed, then resets
// it. Any error count is surfaced.
func (d *HORCMDriver) waitCommandStatus(ctx context.Context) error {
	check := func() error {
		out, err := d.raidcom(ctx, "get", "command_status")
		if err != nil {
			return backoff.Permanent(err)
		}
		for _, line := range strings.Split(string(out), "\n")[1:] {
			fields := strings.Fields(line)
			if len(fields) < 4 {
				continue
			}
			errCount, err := strconv.Atoi(fields[3])
			if err != nil {
				continue
			}
			if errCount != 0 {
				return backoff.Permanent(fmt.Errorf("hitachi-horcm: async command failed, SSB %s/%s", fields[1], fields[2]))
			}
		}
		return nil
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxElapsedTime(2*time.Minute)), ctx)
	if err := backoff.Retry(check, policy); err != nil {
		return err
	}
	_, err := d.raidcom(ctx, "reset", "command_status")
	return err
}

// modify runs one state-changing raidcom command and waits for the
// array to acknowledge it.
func (d *HORCMDriver) modify(ctx context.Context, args ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.raidcom(ctx, "reset", "command_status"); err != nil {
		return err
	}
	if _, err := d.raidcom(ctx, args...); err != nil {
		return err
	}
	return d.waitCommandStatus(ctx)
}

// ldevInfo is the parsed output of raidcom get ldev.
type ldevInfo struct {
	LDEV        int
	CapacityBLK int64
	Status      string
	VolumeType  string
	VolumeAttrs []string
}

// parseLDEV reads the "key : value" listing raidcom get ldev emits.
func parseLDEV(out string) (*ldevInfo, error) {
	info := &ldevInfo{LDEV: -1}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "LDEV":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("hitachi-horcm: bad LDEV number %q", value)
			}
			info.LDEV = n
		case "VOL_Capacity(BLK)":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("hitachi-horcm: bad capacity %q", value)
			}
			info.CapacityBLK = n
		case "STS":
			info.Status = value
		case "VOL_TYPE":
			info.VolumeType = value
		case "VOL_ATTR":
			info.VolumeAttrs = strings.Split(value, " : ")
		}
	}
	if info.LDEV < 0 {
		return nil, ErrVolumeNotFound
	}
	return info, nil
}

func (d *HORCMDriver) getLDEV(ctx context.Context, ldev int) (*ldevInfo, error) {
	out, err := d.raidcom(ctx, "get", "ldev", "-ldev_id", strconv.Itoa(ldev))
	if err != nil {
		return nil, err
	}
	info, err := parseLDEV(string(out))
	if err != nil {
		return nil, err
	}
	if info.Status != "NML" {
		return nil, ErrVolumeNotFound
	}
	return info, nil
}

// freeLDEV asks the array for an unused LDEV number.
func (d *HORCMDriver) freeLDEV(ctx context.Context) (int, error) {
	out, err := d.raidcom(ctx, "get", "ldev", "-ldev_list", "free", "-cnt", "1")
	if err != nil {
		return 0, err
	}
	info, err := parseLDEV(string(out))
	if err != nil {
		return 0, fmt.Errorf("hitachi-horcm: no free LDEV: %w", err)
	}
	return info.LDEV, nil
}

func blocks(sizeBytes int64) int64 {
	return (sizeBytes + blockSize - 1) / blockSize
}

func (d *HORCMDriver) CreateVolume(ctx context.Context, name string, sizeBytes int64) (*Volume, error) {
	ldev, err := d.freeLDEV(ctx)
	if err != nil {
		return nil, err
	}
	err = d.modify(ctx, "add", "ldev",
		"-pool", strconv.Itoa(d.cfg.PoolID),
		"-ldev_id", strconv.Itoa(ldev),
		"-capacity", strconv.FormatInt(blocks(sizeBytes), 10))
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"ldev": ldev, "size": sizeBytes}).Info("created LDEV")
	return &Volume{ID: strconv.Itoa(ldev), SizeBytes: blocks(sizeBytes) * blockSize}, nil
}

func (d *HORCMDriver) ldevID(volumeID string) (int, error) {
	ldev, err := strconv.Atoi(volumeID)
	if err != nil {
		return 0, ErrVolumeNotFound
	}
	return ldev, nil
}

func (d *HORCMDriver) DeleteVolume(ctx context.Context, volumeID string) error {
	ldev, err := d.ldevID(volumeID)
	if err != nil {
		return err
	}
	if _, err := d.getLDEV(ctx, ldev); err == ErrVolumeNotFound {
		return nil
	}
	return d.modify(ctx, "delete", "ldev", "-ldev_id", strconv.Itoa(ldev))
}

func (d *HORCMDriver) GetVolume(ctx context.Context, volumeID string) (*Volume, error) {
	ldev, err := d.ldevID(volumeID)
	if err != nil {
		return nil, err
	}
	info, err := d.getLDEV(ctx, ldev)
	if err != nil {
		return nil, err
	}
	return &Volume{ID: volumeID, SizeBytes: info.CapacityBLK * blockSize}, nil
}

func (d *HORCMDriver) ListVolumes(ctx context.Context) ([]*Volume, error) {
	out, err := d.raidcom(ctx, "get", "ldev", "-ldev_list", "defined")
	if err != nil {
		return nil, err
	}
	var volumes []*Volume
	// Defined LDEVs are emitted as consecutive stanzas separated
	// by blank lines.
	for _, stanza := range strings.Split(string(out), "\n\n") {
		info, err := parseLDEV(stanza)
		if err != nil {
			continue
		}
		if info.Status != "NML" {
			continue
		}
		volumes = append(volumes, &Volume{
			ID:        strconv.Itoa(info.LDEV),
			SizeBytes: info.CapacityBLK * blockSize,
		})
	}
	return volumes, nil
}

func (d *HORCMDriver) ExtendVolume(ctx context.Context, volumeID string, sizeBytes int64) error {
	ldev, err := d.ldevID(volumeID)
	if err != nil {
		return err
	}
	info, err := d.getLDEV(ctx, ldev)
	if err != nil {
		return err
	}
	additional := blocks(sizeBytes) - info.CapacityBLK
	if additional <= 0 {
		return nil
	}
	return d.modify(ctx, "extend", "ldev",
		"-ldev_id", strconv.Itoa(ldev),
		"-capacity", strconv.FormatInt(additional, 10))
}

// CreateSnapshot pairs the volume with a fresh LDEV as a Thin Image
// snapshot. The snapshot id is the S-VOL's LDEV number.
func (d *HORCMDriver) CreateSnapshot(ctx context.Context, volumeID, name string) (*Snapshot, error) {
	pvol, err := d.ldevID(volumeID)
	if err != nil {
		return nil, err
	}
	info, err := d.getLDEV(ctx, pvol)
	if err != nil {
		return nil, err
	}
	svol, err := d.freeLDEV(ctx)
	if err != nil {
		return nil, err
	}
	err = d.modify(ctx, "add", "snapshot",
		"-ldev_id", strconv.Itoa(pvol), strconv.Itoa(svol),
		"-pool", strconv.Itoa(d.cfg.PoolID),
		"-snapshot_group", snapshotGroup)
	if err != nil {
		return nil, err
	}
	err = d.modify(ctx, "modify", "snapshot",
		"-ldev_id", strconv.Itoa(pvol),
		"-snapshot_data", "create")
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:             strconv.Itoa(svol),
		SourceVolumeID: volumeID,
		SizeBytes:      info.CapacityBLK * blockSize,
	}, nil
}

func (d *HORCMDriver) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	svol, err := strconv.Atoi(snapshotID)
	if err != nil {
		return ErrSnapshotNotFound
	}
	err = d.modify(ctx, "delete", "snapshot", "-ldev_id", strconv.Itoa(svol))
	if err != nil {
		return err
	}
	return d.modify(ctx, "delete", "ldev", "-ldev_id", strconv.Itoa(svol))
}

func (d *HORCMDriver) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	out, err := d.raidcom(ctx, "get", "snapshot", "-snapshot_group", snapshotGroup)
	if err != nil {
		return nil, err
	}
	var snapshots []*Snapshot
	// Table rows: SnapShot_name P/S STAT Serial# LDEV# MU# P-LDEV# PID % MODE SPLT-TIME
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 7 || fields[1] != "S-VOL" {
			continue
		}
		svol, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		snapshots = append(snapshots, &Snapshot{
			ID:             strconv.Itoa(svol),
			SourceVolumeID: fields[6],
		})
	}
	return snapshots, nil
}

// CreateVolumeFromSnapshot materializes a snapshot S-VOL into a new
// standalone LDEV by cloning the pair.
func (d *HORCMDriver) CreateVolumeFromSnapshot(ctx context.Context, snapshotID, name string, sizeBytes int64) (*Volume, error) {
	svol, err := strconv.Atoi(snapshotID)
	if err != nil {
		return nil, ErrSnapshotNotFound
	}
	err = d.modify(ctx, "modify", "snapshot",
		"-ldev_id", strconv.Itoa(svol),
		"-snapshot_data", "clone")
	if err != nil {
		return nil, err
	}
	volume, err := d.GetVolume(ctx, strconv.Itoa(svol))
	if err != nil {
		return nil, err
	}
	if sizeBytes > volume.SizeBytes {
		if err := d.ExtendVolume(ctx, volume.ID, sizeBytes); err != nil {
			return nil, err
		}
		volume.SizeBytes = blocks(sizeBytes) * blockSize
	}
	return volume, nil
}

func (d *HORCMDriver) CloneVolume(ctx context.Context, sourceVolumeID, name string, sizeBytes int64) (*Volume, error) {
	snapshot, err := d.CreateSnapshot(ctx, sourceVolumeID, "clone-"+name)
	if err != nil {
		return nil, err
	}
	return d.CreateVolumeFromSnapshot(ctx, snapshot.ID, name, sizeBytes)
}

func (d *HORCMDriver) GetCapacity(ctx context.Context) (total, free int64, err error) {
	out, err := d.raidcom(ctx, "get", "pool", "-key", "opt")
	if err != nil {
		return 0, 0, err
	}
	// Table rows: PID POLS U(%) AV_CAP(MB) TP_CAP(MB) W(%) H(%) Num LDEV# LCNT TL_CAP(MB)
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid != d.cfg.PoolID {
			continue
		}
		availMB, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		totalMB, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		return totalMB << 20, availMB << 20, nil
	}
	return 0, 0, fmt.Errorf("hitachi-horcm: pool %d not reported", d.cfg.PoolID)
}

// portWWN reads the port's WWN from raidcom get port output.
func (d *HORCMDriver) portWWN(ctx context.Context, port string) (string, error) {
	out, err := d.raidcom(ctx, "get", "port", "-port", port)
	if err != nil {
		return "", err
	}
	// Table rows: PORT TYPE ATTR SPD LPID FAB CONN SSW SL Serial# WWN PHY_PORT
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 11 || fields[0] != port {
			continue
		}
		return strings.ToLower(fields[10]), nil
	}
	return "", fmt.Errorf("hitachi-horcm: port %s not reported", port)
}

// mappedLUN finds which LUN the LDEV is exported at on a host group.
func (d *HORCMDriver) mappedLUN(ctx context.Context, hostGroup string, ldev int) (int, error) {
	out, err := d.raidcom(ctx, "get", "lun", "-port", hostGroup)
	if err != nil {
		return 0, err
	}
	// Table rows: PORT GID HMD LUN NUM LDEV CM Serial# HMO_BITs
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		n, err := strconv.Atoi(fields[5])
		if err != nil || n != ldev {
			continue
		}
		lun, err := strconv.Atoi(fields[3])
		if err != nil {
			return 0, err
		}
		return lun, nil
	}
	return 0, fmt.Errorf("hitachi-horcm: LDEV %d not mapped on %s", ldev, hostGroup)
}

func (d *HORCMDriver) PublishVolume(ctx context.Context, volumeID, initiatorIQN string) (*connector.ConnectionProperties, error) {
	ldev, err := d.ldevID(volumeID)
	if err != nil {
		return nil, err
	}
	if _, err := d.getLDEV(ctx, ldev); err != nil {
		return nil, err
	}
	for _, hostGroup := range d.cfg.HostGroups {
		err := d.modify(ctx, "add", "lun", "-port", hostGroup, "-ldev_id", strconv.Itoa(ldev))
		if err != nil {
			return nil, err
		}
	}
	lun, err := d.mappedLUN(ctx, d.cfg.HostGroups[0], ldev)
	if err != nil {
		return nil, err
	}
	var wwns []string
	for _, port := range d.cfg.TargetPorts {
		wwn, err := d.portWWN(ctx, port)
		if err != nil {
			return nil, err
		}
		wwns = append(wwns, wwn)
	}
	log.WithFields(logrus.Fields{"ldev": ldev, "lun": lun}).Info("published LDEV")
	return &connector.ConnectionProperties{
		DriverVolumeType: "fibre_channel",
		TargetWWNs:       wwns,
		TargetLun:        lun,
		UseMultipath:     len(wwns) > 1,
	}, nil
}

func (d *HORCMDriver) UnpublishVolume(ctx context.Context, volumeID, initiatorIQN string) error {
	ldev, err := d.ldevID(volumeID)
	if err != nil {
		return err
	}
	for _, hostGroup := range d.cfg.HostGroups {
		err := d.modify(ctx, "delete", "lun", "-port", hostGroup, "-ldev_id", strconv.Itoa(ldev))
		if err != nil {
			return err
		}
	}
	return nil
}
