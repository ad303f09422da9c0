package lvm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type LogicalVolume struct {
	name string
	vg   *VolumeGroup
}

func (lv *LogicalVolume) Name() string {
	return lv.name
}

func (lv *LogicalVolume) VolumeGroup() *VolumeGroup {
	return lv.vg
}

type lvsOutput struct {
	Report []struct {
		Lv []struct {
			Name   string `json:"lv_name"`
			VgName string `json:"vg_name"`
			LvPath string `json:"lv_path"`
			LvSize uint64 `json:"lv_size,string"`
			LvTags string `json:"lv_tags"`
			Origin string `json:"origin"`
		} `json:"lv"`
	} `json:"report"`
}

// CreateLogicalVolume creates a logical volume of the given name and
// size.
//
// The actual size may be larger than asked for as the smallest
// increment is the size of an extent on the volume group in question.
//
// If sizeInBytes is zero the entire available space is allocated.
func (vg *VolumeGroup) CreateLogicalVolume(ctx context.Context, name string, sizeInBytes uint64, tags []string) (*LogicalVolume, error) {
	var args []string
	for _, tag := range tags {
		if err := ValidateTag(tag); err != nil {
			return nil, err
		}
		args = append(args, "--add-tag="+tag)
	}
	if sizeInBytes == MaxSize {
		args = append(args, "--extents=100%FREE")
	} else {
		args = append(args, fmt.Sprintf("--size=%db", sizeInBytes))
	}
	args = append(args, "--name="+name, vg.name)
	if err := vg.lvm.run(ctx, "lvcreate", nil, args...); err != nil {
		if IsInsufficientSpace(err) {
			return nil, ErrNoSpace
		}
		return nil, err
	}
	return &LogicalVolume{name, vg}, nil
}

// CreateThinPool carves a thin pool out of the volume group. Thin
// volumes and their snapshots allocate from the pool on demand.
func (vg *VolumeGroup) CreateThinPool(ctx context.Context, name string, sizeInBytes uint64) (*LogicalVolume, error) {
	args := []string{"--thinpool", vg.name + "/" + name}
	if sizeInBytes == MaxSize {
		args = append(args, "--extents=100%FREE")
	} else {
		args = append(args, fmt.Sprintf("--size=%db", sizeInBytes))
	}
	if err := vg.lvm.run(ctx, "lvcreate", nil, args...); err != nil {
		if IsInsufficientSpace(err) {
			return nil, ErrNoSpace
		}
		return nil, err
	}
	return &LogicalVolume{name, vg}, nil
}

// CreateThinVolume creates a thin volume backed by the given pool.
func (vg *VolumeGroup) CreateThinVolume(ctx context.Context, name, pool string, sizeInBytes uint64) (*LogicalVolume, error) {
	args := []string{
		"--thin",
		fmt.Sprintf("--virtualsize=%db", sizeInBytes),
		"--name=" + name,
		vg.name + "/" + pool,
	}
	if err := vg.lvm.run(ctx, "lvcreate", nil, args...); err != nil {
		return nil, err
	}
	return &LogicalVolume{name, vg}, nil
}

// CreateSnapshot creates a snapshot of the origin volume. A non-zero
// sizeInBytes allocates a COW area of that size (required for thick
// origins); thin origins pass MaxSize and share the pool instead.
func (vg *VolumeGroup) CreateSnapshot(ctx context.Context, name, origin string, sizeInBytes uint64) (*LogicalVolume, error) {
	args := []string{"--snapshot", "--name=" + name}
	if sizeInBytes != MaxSize {
		args = append(args, fmt.Sprintf("--size=%db", sizeInBytes))
	}
	args = append(args, vg.name+"/"+origin)
	if err := vg.lvm.run(ctx, "lvcreate", nil, args...); err != nil {
		if IsInsufficientSpace(err) {
			return nil, ErrNoSpace
		}
		return nil, err
	}
	return &LogicalVolume{name, vg}, nil
}

// LookupLogicalVolume looks up the logical volume in the volume group
// with the given name.
func (vg *VolumeGroup) LookupLogicalVolume(ctx context.Context, name string) (*LogicalVolume, error) {
	result := new(lvsOutput)
	if err := vg.lvm.run(ctx, "lvs", result, "--options=lv_name,vg_name", vg.name+"/"+name); err != nil {
		if IsLogicalVolumeNotFound(err) {
			return nil, ErrLogicalVolumeNotFound
		}
		return nil, err
	}
	for _, report := range result.Report {
		for _, lv := range report.Lv {
			if lv.VgName != vg.name {
				continue
			}
			return &LogicalVolume{lv.Name, vg}, nil
		}
	}
	return nil, ErrLogicalVolumeNotFound
}

// ListLogicalVolumeNames returns the names of the logical volumes in
// this volume group.
func (vg *VolumeGroup) ListLogicalVolumeNames(ctx context.Context) ([]string, error) {
	var names []string
	result := new(lvsOutput)
	if err := vg.lvm.run(ctx, "lvs", result, "--options=lv_name,vg_name", vg.name); err != nil {
		return nil, err
	}
	for _, report := range result.Report {
		for _, lv := range report.Lv {
			if lv.VgName == vg.name {
				names = append(names, lv.Name)
			}
		}
	}
	return names, nil
}

func (lv *LogicalVolume) SizeInBytes(ctx context.Context) (uint64, error) {
	result := new(lvsOutput)
	if err := lv.vg.lvm.run(ctx, "lvs", result, "--options=lv_size", lv.vg.name+"/"+lv.name); err != nil {
		if IsLogicalVolumeNotFound(err) {
			return 0, ErrLogicalVolumeNotFound
		}
		return 0, err
	}
	for _, report := range result.Report {
		for _, lv := range report.Lv {
			return lv.LvSize, nil
		}
	}
	return 0, ErrLogicalVolumeNotFound
}

// Path returns the device path for the logical volume.
func (lv *LogicalVolume) Path(ctx context.Context) (string, error) {
	result := new(lvsOutput)
	if err := lv.vg.lvm.run(ctx, "lvs", result, "--options=lv_path", lv.vg.name+"/"+lv.name); err != nil {
		if IsLogicalVolumeNotFound(err) {
			return "", ErrLogicalVolumeNotFound
		}
		return "", err
	}
	for _, report := range result.Report {
		for _, lv := range report.Lv {
			return lv.LvPath, nil
		}
	}
	return "", ErrLogicalVolumeNotFound
}

// Origin returns the name of the snapshot origin, or "" for a
// non-snapshot volume.
func (lv *LogicalVolume) Origin(ctx context.Context) (string, error) {
	result := new(lvsOutput)
	if err := lv.vg.lvm.run(ctx, "lvs", result, "--options=origin", lv.vg.name+"/"+lv.name); err != nil {
		if IsLogicalVolumeNotFound(err) {
			return "", ErrLogicalVolumeNotFound
		}
		return "", err
	}
	for _, report := range result.Report {
		for _, lv := range report.Lv {
			return lv.Origin, nil
		}
	}
	return "", ErrLogicalVolumeNotFound
}

// Tags returns the logical volume tags.
func (lv *LogicalVolume) Tags(ctx context.Context) ([]string, error) {
	result := new(lvsOutput)
	if err := lv.vg.lvm.run(ctx, "lvs", result, "--options=lv_tags", lv.vg.name+"/"+lv.name); err != nil {
		if IsLogicalVolumeNotFound(err) {
			return nil, ErrLogicalVolumeNotFound
		}
		return nil, err
	}
	for _, report := range result.Report {
		for _, lv := range report.Lv {
			if lv.LvTags == "" {
				return nil, nil
			}
			return strings.Split(lv.LvTags, ","), nil
		}
	}
	return nil, ErrLogicalVolumeNotFound
}

// Extend grows the logical volume to the given size in bytes.
func (lv *LogicalVolume) Extend(ctx context.Context, sizeInBytes uint64) error {
	arg := "--size=" + strconv.FormatUint(sizeInBytes, 10) + "b"
	if err := lv.vg.lvm.run(ctx, "lvextend", nil, arg, lv.vg.name+"/"+lv.name); err != nil {
		if IsInsufficientSpace(err) {
			return ErrNoSpace
		}
		return err
	}
	return nil
}

// Activate makes the volume's device node available. Snapshot clones
// are created inactive when the origin is in use.
func (lv *LogicalVolume) Activate(ctx context.Context) error {
	return lv.vg.lvm.run(ctx, "lvchange", nil, "-a", "y", "--yes", "-K", lv.vg.name+"/"+lv.name)
}

func (lv *LogicalVolume) Deactivate(ctx context.Context) error {
	return lv.vg.lvm.run(ctx, "lvchange", nil, "-a", "n", lv.vg.name+"/"+lv.name)
}

func (lv *LogicalVolume) Remove(ctx context.Context) error {
	return lv.vg.lvm.run(ctx, "lvremove", nil, "-f", lv.vg.name+"/"+lv.name)
}
