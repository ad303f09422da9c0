// Package lvm wraps the LVM2 command-line tools. Report commands are
// invoked with --reportformat=json so their output can be decoded
// directly; mutating commands are matched against the well-known
// stderr prefixes the tools print on failure.
package lvm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/mesosphere/brickd/pkg/execx"
)

var log = logrus.WithField("component", "lvm")

// SetLogger configures the entry used for logging.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

// MaxSize states that all available space should be used by the
// create operation.
const MaxSize uint64 = 0

type simpleError string

func (s simpleError) Error() string { return string(s) }

const ErrNoSpace = simpleError("lvm: not enough free space")
const ErrPhysicalVolumeNotFound = simpleError("lvm: physical volume not found")
const ErrVolumeGroupNotFound = simpleError("lvm: volume group not found")
const ErrLogicalVolumeNotFound = simpleError("lvm: logical volume not found")
const ErrTagInvalidLength = simpleError("lvm: tag length must be between 1 and 1024 characters")
const ErrTagHasInvalidChars = simpleError("lvm: tag must consist of only [A-Za-z0-9_+.-] and cannot start with a '-'")

var tagRegexp = regexp.MustCompile("^[A-Za-z0-9_+.][A-Za-z0-9_+.-]*$")

// IsInvalidName returns true if the error is due to an invalid name
// and false otherwise.
func IsInvalidName(err error) bool {
	return matchesStderrPrefix(err, "Name contains invalid character")
}

func IsLogicalVolumeNotFound(err error) bool {
	return matchesStderrPrefix(err, "Failed to find logical volume")
}

func IsPhysicalVolumeNotFound(err error) bool {
	return matchesStderrPrefix(err, "Failed to find device")
}

func IsVolumeGroupNotFound(err error) bool {
	const prefix = "Volume group"
	const suffix = "not found"
	lines := strings.Split(err.Error(), "\n")
	if len(lines) == 0 {
		return false
	}
	line := strings.TrimSpace(lines[0])
	return strings.HasPrefix(line, prefix) && strings.HasSuffix(line, suffix)
}

func IsInsufficientSpace(err error) bool {
	return strings.Contains(err.Error(), "insufficient free space")
}

func matchesStderrPrefix(err error, prefix string) bool {
	lines := strings.Split(err.Error(), "\n")
	if len(lines) == 0 {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(lines[0]), prefix)
}

// LVM invokes the LVM2 tools through an Executor. Invocations are
// serialized through an optional file lock: lvm2 metadata operations
// racing each other is a known source of corrupted report output.
type LVM struct {
	exec execx.Executor
	lock *flock.Flock
}

type Option func(*LVM)

// WithLockFile serializes all LVM command invocations across
// processes using a flock on the given path.
func WithLockFile(path string) Option {
	return func(l *LVM) {
		l.lock = flock.New(path)
	}
}

func New(exec execx.Executor, opts ...Option) *LVM {
	l := &LVM{exec: exec}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LVM) run(ctx context.Context, cmd string, v interface{}, extraArgs ...string) error {
	var args []string
	if v != nil {
		args = append(args, "--reportformat=json")
		args = append(args, "--units=b")
		args = append(args, "--nosuffix")
	}
	args = append(args, extraArgs...)
	if l.lock != nil {
		if err := l.lock.Lock(); err != nil {
			return err
		}
		defer l.lock.Unlock()
	}
	out, err := l.exec.Execute(ctx, cmd, args...)
	if err != nil {
		return err
	}
	if v != nil {
		if err := json.Unmarshal(out, v); err != nil {
			return fmt.Errorf("%v: [%v]", err, string(out))
		}
	}
	return nil
}

type PhysicalVolume struct {
	dev string
	lvm *LVM
}

func (pv *PhysicalVolume) Dev() string {
	return pv.dev
}

// Remove removes the physical volume.
func (pv *PhysicalVolume) Remove(ctx context.Context) error {
	return pv.lvm.run(ctx, "pvremove", nil, pv.dev)
}

// CreatePhysicalVolume creates a physical volume of the given device.
func (l *LVM) CreatePhysicalVolume(ctx context.Context, dev string) (*PhysicalVolume, error) {
	if err := l.run(ctx, "pvcreate", nil, dev); err != nil {
		return nil, err
	}
	return &PhysicalVolume{dev, l}, nil
}

type pvsOutput struct {
	Report []struct {
		Pv []struct {
			Name   string `json:"pv_name"`
			VgName string `json:"vg_name"`
		} `json:"pv"`
	} `json:"report"`
}

// ListPhysicalVolumes lists all physical volumes.
func (l *LVM) ListPhysicalVolumes(ctx context.Context) ([]*PhysicalVolume, error) {
	result := new(pvsOutput)
	if err := l.run(ctx, "pvs", result); err != nil {
		return nil, err
	}
	var pvs []*PhysicalVolume
	for _, report := range result.Report {
		for _, pv := range report.Pv {
			pvs = append(pvs, &PhysicalVolume{pv.Name, l})
		}
	}
	return pvs, nil
}

// LookupPhysicalVolume returns the physical volume with the given name.
func (l *LVM) LookupPhysicalVolume(ctx context.Context, name string) (*PhysicalVolume, error) {
	result := new(pvsOutput)
	if err := l.run(ctx, "pvs", result, "--options=pv_name", name); err != nil {
		if IsPhysicalVolumeNotFound(err) {
			return nil, ErrPhysicalVolumeNotFound
		}
		return nil, err
	}
	for _, report := range result.Report {
		for _, pv := range report.Pv {
			return &PhysicalVolume{pv.Name, l}, nil
		}
	}
	return nil, ErrPhysicalVolumeNotFound
}

// PVScan runs the `pvscan --cache <dev>` command. It scans for the
// device at `dev` and adds it to the LVM metadata cache if `lvmetad`
// is running. If `dev` is an empty string, it scans all devices.
func (l *LVM) PVScan(ctx context.Context, dev string) error {
	args := []string{"--cache"}
	if dev != "" {
		args = append(args, dev)
	}
	return l.run(ctx, "pvscan", nil, args...)
}

// VGScan runs the `vgscan --cache <name>` command.
func (l *LVM) VGScan(ctx context.Context, name string) error {
	args := []string{"--cache"}
	if name != "" {
		args = append(args, name)
	}
	return l.run(ctx, "vgscan", nil, args...)
}

type VolumeGroup struct {
	name string
	lvm  *LVM
}

func (vg *VolumeGroup) Name() string {
	return vg.name
}

type vgsOutput struct {
	Report []struct {
		Vg []struct {
			Name              string `json:"vg_name"`
			UUID              string `json:"vg_uuid"`
			VgSize            uint64 `json:"vg_size,string"`
			VgFree            uint64 `json:"vg_free,string"`
			VgExtentSize      uint64 `json:"vg_extent_size,string"`
			VgExtentCount     uint64 `json:"vg_extent_count,string"`
			VgFreeExtentCount uint64 `json:"vg_free_count,string"`
			VgTags            string `json:"vg_tags"`
		} `json:"vg"`
	} `json:"report"`
}

// CreateVolumeGroup creates a new volume group.
func (l *LVM) CreateVolumeGroup(ctx context.Context, name string, pvs []*PhysicalVolume, tags []string) (*VolumeGroup, error) {
	var args []string
	for _, tag := range tags {
		if err := ValidateTag(tag); err != nil {
			return nil, err
		}
		args = append(args, "--add-tag="+tag)
	}
	args = append(args, name)
	for _, pv := range pvs {
		args = append(args, pv.dev)
	}
	if err := l.run(ctx, "vgcreate", nil, args...); err != nil {
		return nil, err
	}
	// Perform a best-effort scan to trigger a lvmetad cache refresh.
	// Without this lvmetad can fail to pick up newly created volume
	// groups. See https://bugzilla.redhat.com/show_bug.cgi?id=837599
	l.PVScan(ctx, "")
	l.VGScan(ctx, "")
	return &VolumeGroup{name, l}, nil
}

// LookupVolumeGroup returns the volume group with the given name.
func (l *LVM) LookupVolumeGroup(ctx context.Context, name string) (*VolumeGroup, error) {
	result := new(vgsOutput)
	if err := l.run(ctx, "vgs", result, "--options=vg_name", name); err != nil {
		if IsVolumeGroupNotFound(err) {
			return nil, ErrVolumeGroupNotFound
		}
		return nil, err
	}
	for _, report := range result.Report {
		for _, vg := range report.Vg {
			return &VolumeGroup{vg.Name, l}, nil
		}
	}
	return nil, ErrVolumeGroupNotFound
}

// ListVolumeGroupNames returns the names of the list of volume groups.
func (l *LVM) ListVolumeGroupNames(ctx context.Context) ([]string, error) {
	result := new(vgsOutput)
	if err := l.run(ctx, "vgs", result); err != nil {
		return nil, err
	}
	var names []string
	for _, report := range result.Report {
		for _, vg := range report.Vg {
			names = append(names, vg.Name)
		}
	}
	return names, nil
}

// ListVolumeGroupUUIDs returns the UUIDs of the list of volume groups.
func (l *LVM) ListVolumeGroupUUIDs(ctx context.Context) ([]string, error) {
	result := new(vgsOutput)
	if err := l.run(ctx, "vgs", result, "--options=vg_uuid"); err != nil {
		return nil, err
	}
	var uuids []string
	for _, report := range result.Report {
		for _, vg := range report.Vg {
			uuids = append(uuids, vg.UUID)
		}
	}
	return uuids, nil
}

func (vg *VolumeGroup) vgsField(ctx context.Context, option string, pick func(vgsOutput) (uint64, bool)) (uint64, error) {
	result := new(vgsOutput)
	if err := vg.lvm.run(ctx, "vgs", result, "--options="+option, vg.name); err != nil {
		if IsVolumeGroupNotFound(err) {
			return 0, ErrVolumeGroupNotFound
		}
		return 0, err
	}
	if v, ok := pick(*result); ok {
		return v, nil
	}
	return 0, ErrVolumeGroupNotFound
}

// BytesTotal returns the current size in bytes of the volume group.
func (vg *VolumeGroup) BytesTotal(ctx context.Context) (uint64, error) {
	return vg.vgsField(ctx, "vg_size", func(out vgsOutput) (uint64, bool) {
		for _, report := range out.Report {
			for _, vg := range report.Vg {
				return vg.VgSize, true
			}
		}
		return 0, false
	})
}

// BytesFree returns the unallocated space in bytes of the volume group.
func (vg *VolumeGroup) BytesFree(ctx context.Context) (uint64, error) {
	return vg.vgsField(ctx, "vg_free", func(out vgsOutput) (uint64, bool) {
		for _, report := range out.Report {
			for _, vg := range report.Vg {
				return vg.VgFree, true
			}
		}
		return 0, false
	})
}

// ExtentSize returns the size in bytes of a single extent.
func (vg *VolumeGroup) ExtentSize(ctx context.Context) (uint64, error) {
	return vg.vgsField(ctx, "vg_extent_size", func(out vgsOutput) (uint64, bool) {
		for _, report := range out.Report {
			for _, vg := range report.Vg {
				return vg.VgExtentSize, true
			}
		}
		return 0, false
	})
}

// ExtentFreeCount returns the number of free extents.
func (vg *VolumeGroup) ExtentFreeCount(ctx context.Context) (uint64, error) {
	return vg.vgsField(ctx, "vg_free_count", func(out vgsOutput) (uint64, bool) {
		for _, report := range out.Report {
			for _, vg := range report.Vg {
				return vg.VgFreeExtentCount, true
			}
		}
		return 0, false
	})
}

// Tags returns the volume group tags.
func (vg *VolumeGroup) Tags(ctx context.Context) ([]string, error) {
	result := new(vgsOutput)
	if err := vg.lvm.run(ctx, "vgs", result, "--options=vg_tags", vg.name); err != nil {
		if IsVolumeGroupNotFound(err) {
			return nil, ErrVolumeGroupNotFound
		}
		return nil, err
	}
	for _, report := range result.Report {
		for _, v := range report.Vg {
			if v.VgTags == "" {
				return nil, nil
			}
			return strings.Split(v.VgTags, ","), nil
		}
	}
	return nil, ErrVolumeGroupNotFound
}

// ListPhysicalVolumeNames returns the names of the physical volumes
// in this volume group.
func (vg *VolumeGroup) ListPhysicalVolumeNames(ctx context.Context) ([]string, error) {
	var names []string
	result := new(pvsOutput)
	if err := vg.lvm.run(ctx, "pvs", result, "--options=pv_name,vg_name", vg.name); err != nil {
		if IsVolumeGroupNotFound(err) {
			return nil, ErrVolumeGroupNotFound
		}
		return nil, err
	}
	for _, report := range result.Report {
		for _, pv := range report.Pv {
			if pv.VgName == vg.name {
				names = append(names, pv.Name)
			}
		}
	}
	return names, nil
}

// Remove removes the volume group from disk.
func (vg *VolumeGroup) Remove(ctx context.Context) error {
	return vg.lvm.run(ctx, "vgremove", nil, "-f", vg.name)
}

/*
ValidateTag validates a tag.

LVM tags are strings of up to 1024 characters. LVM tags cannot
start with a hyphen.

A valid tag can consist of a limited range of characters only. The
allowed characters are [A-Za-z0-9_+.-]. As of the Red Hat Enterprise
Linux 6.1 release, the list of allowed characters was extended, and
tags can contain the /, =, !, :, #, and & characters.

~ https://access.redhat.com/documentation/en-us/red_hat_enterprise_linux/7/html/logical_volume_manager_administration/lvm_tags
*/
func ValidateTag(tag string) error {
	if len(tag) < 1 || len(tag) > 1024 {
		return ErrTagInvalidLength
	}
	if !tagRegexp.MatchString(tag) {
		return ErrTagHasInvalidChars
	}
	return nil
}
