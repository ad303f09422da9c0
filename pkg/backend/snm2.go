package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mesosphere/brickd/pkg/config"
	"github.com/mesosphere/brickd/pkg/connector"
	"github.com/mesosphere/brickd/pkg/execx"
)

func init() {
	Register("hitachi-snm2", NewSNM2Driver)
}

// SNM2Driver provisions logical units on Hitachi modular arrays
// through the SNM2 au* CLIs and exposes them over the array's iSCSI
// ports. Volume ids are LU numbers.
type SNM2Driver struct {
	exec execx.Executor
	cfg  config.HitachiConfig
}

// NewSNM2Driver builds the hitachi-snm2 backend from config.
func NewSNM2Driver(cfg *config.Config, exec execx.Executor) (Driver, error) {
	if cfg.Hitachi.Unit == "" {
		return nil, fmt.Errorf("hitachi-snm2: config names no unit")
	}
	if cfg.Hitachi.TargetIQN == "" || cfg.Hitachi.PortalIP == "" {
		return nil, fmt.Errorf("hitachi-snm2: config names no target portal")
	}
	return &SNM2Driver{exec: exec, cfg: cfg.Hitachi}, nil
}

// lu is one row of auluref output.
type lu struct {
	Number        int
	CapacityBytes int64
	Status        string
}

// parseLURef reads auluref's fixed-width table. The capacity column
// is reported in 512-byte blocks.
func parseLURef(out string) []lu {
	var lus []lu
	header := true
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if header {
			// Rows start after the "LUN Capacity ..." header.
			if fields[0] == "LUN" {
				header = false
			}
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		capBlocks, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		lus = append(lus, lu{
			Number:        n,
			CapacityBytes: capBlocks * blockSize,
			Status:        fields[len(fields)-1],
		})
	}
	return lus
}

func (d *SNM2Driver) listLUs(ctx context.Context) ([]lu, error) {
	out, err := d.exec.Execute(ctx, "auluref", "-unit", d.cfg.Unit)
	if err != nil {
		return nil, err
	}
	return parseLURef(string(out)), nil
}

func (d *SNM2Driver) getLU(ctx context.Context, number int) (*lu, error) {
	lus, err := d.listLUs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range lus {
		if lus[i].Number == number {
			return &lus[i], nil
		}
	}
	return nil, ErrVolumeNotFound
}

// freeLU picks the lowest unused LU number.
func (d *SNM2Driver) freeLU(ctx context.Context) (int, error) {
	lus, err := d.listLUs(ctx)
	if err != nil {
		return 0, err
	}
	used := map[int]bool{}
	for _, l := range lus {
		used[l.Number] = true
	}
	for n := 0; ; n++ {
		if !used[n] {
			return n, nil
		}
	}
}

func (d *SNM2Driver) luNumber(volumeID string) (int, error) {
	n, err := strconv.Atoi(volumeID)
	if err != nil {
		return 0, ErrVolumeNotFound
	}
	return n, nil
}

// sizeArg renders a byte count the way the au* CLIs expect, in
// whole gigabytes.
func sizeArg(sizeBytes int64) string {
	gb := (sizeBytes + (1 << 30) - 1) >> 30
	return strconv.FormatInt(gb, 10) + "g"
}

func (d *SNM2Driver) CreateVolume(ctx context.Context, name string, sizeBytes int64) (*Volume, error) {
	number, err := d.freeLU(ctx)
	if err != nil {
		return nil, err
	}
	_, err = d.exec.Execute(ctx, "auluadd",
		"-unit", d.cfg.Unit,
		"-lu", strconv.Itoa(number),
		"-dppoolno", strconv.Itoa(d.cfg.PoolID),
		"-size", sizeArg(sizeBytes))
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"lu": number, "size": sizeBytes}).Info("created LU")
	gb := (sizeBytes + (1 << 30) - 1) >> 30
	return &Volume{ID: strconv.Itoa(number), SizeBytes: gb << 30}, nil
}

func (d *SNM2Driver) DeleteVolume(ctx context.Context, volumeID string) error {
	number, err := d.luNumber(volumeID)
	if err != nil {
		return err
	}
	if _, err := d.getLU(ctx, number); err == ErrVolumeNotFound {
		return nil
	}
	_, err = d.exec.Execute(ctx, "auludel",
		"-unit", d.cfg.Unit,
		"-lu", strconv.Itoa(number),
		"-f")
	return err
}

func (d *SNM2Driver) GetVolume(ctx context.Context, volumeID string) (*Volume, error) {
	number, err := d.luNumber(volumeID)
	if err != nil {
		return nil, err
	}
	l, err := d.getLU(ctx, number)
	if err != nil {
		return nil, err
	}
	return &Volume{ID: volumeID, SizeBytes: l.CapacityBytes}, nil
}

func (d *SNM2Driver) ListVolumes(ctx context.Context) ([]*Volume, error) {
	lus, err := d.listLUs(ctx)
	if err != nil {
		return nil, err
	}
	var volumes []*Volume
	for _, l := range lus {
		volumes = append(volumes, &Volume{
			ID:        strconv.Itoa(l.Number),
			SizeBytes: l.CapacityBytes,
		})
	}
	return volumes, nil
}

func (d *SNM2Driver) ExtendVolume(ctx context.Context, volumeID string, sizeBytes int64) error {
	number, err := d.luNumber(volumeID)
	if err != nil {
		return err
	}
	_, err = d.exec.Execute(ctx, "auluchgsize",
		"-unit", d.cfg.Unit,
		"-lu", strconv.Itoa(number),
		"-size", sizeArg(sizeBytes))
	return err
}

// CreateSnapshot pairs the volume with a fresh LU through SnapShot
// replication. The snapshot id is the S-VOL's LU number.
func (d *SNM2Driver) CreateSnapshot(ctx context.Context, volumeID, name string) (*Snapshot, error) {
	pvol, err := d.luNumber(volumeID)
	if err != nil {
		return nil, err
	}
	source, err := d.getLU(ctx, pvol)
	if err != nil {
		return nil, err
	}
	svol, err := d.freeLU(ctx)
	if err != nil {
		return nil, err
	}
	_, err = d.exec.Execute(ctx, "aureplicationlocal",
		"-unit", d.cfg.Unit,
		"-ss", "-create",
		"-pvol", strconv.Itoa(pvol),
		"-svol", strconv.Itoa(svol))
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:             strconv.Itoa(svol),
		SourceVolumeID: volumeID,
		SizeBytes:      source.CapacityBytes,
	}, nil
}

func (d *SNM2Driver) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	svol, err := strconv.Atoi(snapshotID)
	if err != nil {
		return ErrSnapshotNotFound
	}
	_, err = d.exec.Execute(ctx, "aureplicationlocal",
		"-unit", d.cfg.Unit,
		"-ss", "-simplex",
		"-svol", strconv.Itoa(svol))
	if err != nil {
		return err
	}
	_, err = d.exec.Execute(ctx, "auludel",
		"-unit", d.cfg.Unit,
		"-lu", strconv.Itoa(svol),
		"-f")
	return err
}

func (d *SNM2Driver) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	out, err := d.exec.Execute(ctx, "aureplicationlocal",
		"-unit", d.cfg.Unit,
		"-refer", "-ss")
	if err != nil {
		return nil, err
	}
	var snapshots []*Snapshot
	// Rows: Pair_Name PVOL(LUN) SVOL(LUN) Status Copy_Type ...
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pvol, err1 := strconv.Atoi(fields[1])
		svol, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			continue
		}
		snapshots = append(snapshots, &Snapshot{
			ID:             strconv.Itoa(svol),
			SourceVolumeID: strconv.Itoa(pvol),
		})
	}
	return snapshots, nil
}

// CreateVolumeFromSnapshot splits the snapshot pair so the S-VOL
// becomes an independent LU.
func (d *SNM2Driver) CreateVolumeFromSnapshot(ctx context.Context, snapshotID, name string, sizeBytes int64) (*Volume, error) {
	svol, err := strconv.Atoi(snapshotID)
	if err != nil {
		return nil, ErrSnapshotNotFound
	}
	_, err = d.exec.Execute(ctx, "aureplicationlocal",
		"-unit", d.cfg.Unit,
		"-ss", "-simplex",
		"-svol", strconv.Itoa(svol))
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
		volume.SizeBytes = sizeBytes
	}
	return volume, nil
}

func (d *SNM2Driver) CloneVolume(ctx context.Context, sourceVolumeID, name string, sizeBytes int64) (*Volume, error) {
	snapshot, err := d.CreateSnapshot(ctx, sourceVolumeID, "clone-"+name)
	if err != nil {
		return nil, err
	}
	return d.CreateVolumeFromSnapshot(ctx, snapshot.ID, name, sizeBytes)
}

func (d *SNM2Driver) GetCapacity(ctx context.Context) (total, free int64, err error) {
	out, err := d.exec.Execute(ctx, "audppool",
		"-unit", d.cfg.Unit,
		"-refer", "-g")
	if err != nil {
		return 0, 0, err
	}
	// Rows: DP_Pool_No Total_Capacity(GB) Free_Capacity(GB) ...
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || n != d.cfg.PoolID {
			continue
		}
		totalGB, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		freeGB, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		return totalGB << 30, freeGB << 30, nil
	}
	return 0, 0, fmt.Errorf("hitachi-snm2: pool %d not reported", d.cfg.PoolID)
}

func (d *SNM2Driver) portal() string {
	port := d.cfg.PortalPort
	if port == 0 {
		port = 3260
	}
	return fmt.Sprintf("%s:%d", d.cfg.PortalIP, port)
}

// PublishVolume maps the LU into the array's iSCSI target. The host
// LUN mirrors the internal LU number.
func (d *SNM2Driver) PublishVolume(ctx context.Context, volumeID, initiatorIQN string) (*connector.ConnectionProperties, error) {
	number, err := d.luNumber(volumeID)
	if err != nil {
		return nil, err
	}
	if _, err := d.getLU(ctx, number); err != nil {
		return nil, err
	}
	_, err = d.exec.Execute(ctx, "autargetmap",
		"-unit", d.cfg.Unit,
		"-add", "0", "0",
		strconv.Itoa(number), strconv.Itoa(number))
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"lu": number, "initiator": initiatorIQN}).Info("published LU")
	return &connector.ConnectionProperties{
		DriverVolumeType: "iscsi",
		TargetPortal:     d.portal(),
		TargetIQN:        d.cfg.TargetIQN,
		TargetLun:        number,
	}, nil
}

func (d *SNM2Driver) UnpublishVolume(ctx context.Context, volumeID, initiatorIQN string) error {
	number, err := d.luNumber(volumeID)
	if err != nil {
		return err
	}
	_, err = d.exec.Execute(ctx, "autargetmap",
		"-unit", d.cfg.Unit,
		"-rm", "0", "0",
		strconv.Itoa(number), strconv.Itoa(number))
	return err
}
