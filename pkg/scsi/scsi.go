// Package scsi drives the Linux SCSI sysfs interface and the
// multipath tools: host rescans, device removal, WWID lookup and
// resolution of path devices to their device-mapper parent.
package scsi

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/mesosphere/brickd/pkg/execx"
)

var log = logrus.WithField("component", "scsi")

// SetLogger configures the entry used for logging.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

const (
	DevPrefix     = "/dev/"
	DevMapperRoot = "/dev/mapper/"

	scsiIDTool = "/lib/udev/scsi_id"
)

// Linux wraps sysfs file access and the multipath/scsi_id/blockdev
// tools. The filesystem is abstracted so tests can run against an
// in-memory sysfs.
type Linux struct {
	exec execx.Executor
	fs   afero.Afero
}

func New(exec execx.Executor) *Linux {
	return NewWithFs(exec, afero.Afero{Fs: afero.NewOsFs()})
}

func NewWithFs(exec execx.Executor, fs afero.Afero) *Linux {
	return &Linux{exec: exec, fs: fs}
}

// RescanHosts triggers a wildcard LUN scan on each SCSI host.
func (s *Linux) RescanHosts(ctx context.Context, hosts []int) error {
	for _, host := range hosts {
		if err := s.Rescan(ctx, host, "- - -"); err != nil {
			return err
		}
	}
	return nil
}

// RescanHostLUN scans a single channel/target/LUN triple on a host.
// Pass -1 for lun to scan all LUNs.
func (s *Linux) RescanHostLUN(ctx context.Context, host, channel, target, lun int) error {
	scanCmd := fmt.Sprintf("%d %d %d", channel, target, lun)
	if lun < 0 {
		scanCmd = fmt.Sprintf("%d %d -", channel, target)
	}
	return s.Rescan(ctx, host, scanCmd)
}

// Rescan writes scanCmd to the host's sysfs scan file.
func (s *Linux) Rescan(ctx context.Context, host int, scanCmd string) error {
	filename := fmt.Sprintf("/sys/class/scsi_host/host%d/scan", host)
	log.WithFields(logrus.Fields{
		"scanFile": filename,
		"scanCmd":  scanCmd,
	}).Debug("triggering SCSI scan")
	if err := s.fs.WriteFile(filename, []byte(scanCmd), 0o200); err != nil {
		return fmt.Errorf("scsi: rescan host%d: %w", host, err)
	}
	return nil
}

// ListHosts returns the SCSI host numbers present on the system.
func (s *Linux) ListHosts(ctx context.Context) ([]int, error) {
	infos, err := s.fs.ReadDir("/sys/class/scsi_host")
	if err != nil {
		return nil, err
	}
	var hosts []int
	for _, info := range infos {
		n, err := strconv.Atoi(strings.TrimPrefix(info.Name(), "host"))
		if err != nil {
			continue
		}
		hosts = append(hosts, n)
	}
	return hosts, nil
}

// FlushDevice flushes the block device buffers for a device node.
func (s *Linux) FlushDevice(ctx context.Context, devicePath string) error {
	_, err := s.exec.Execute(ctx, "blockdev", "--flushbufs", devicePath)
	return err
}

// DeviceSizeBytes returns the size of a block device.
func (s *Linux) DeviceSizeBytes(ctx context.Context, devicePath string) (int64, error) {
	out, err := s.exec.Execute(ctx, "blockdev", "--getsize64", devicePath)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
}

// RemoveDevice deletes a SCSI device (a bare name like "sdb") from
// the kernel's device tree. The device is flushed first so queued
// writes are not dropped on the floor.
func (s *Linux) RemoveDevice(ctx context.Context, device string, flush bool) error {
	if flush {
		if err := s.FlushDevice(ctx, DevPrefix+device); err != nil {
			log.WithFields(logrus.Fields{
				"device": device,
				"error":  err,
			}).Warn("could not flush device before removal")
		}
	}
	filename := fmt.Sprintf("/sys/block/%s/device/delete", device)
	if ok, _ := s.fs.Exists(filename); !ok {
		// Already gone.
		return nil
	}
	if err := s.fs.WriteFile(filename, []byte("1"), 0o200); err != nil {
		return fmt.Errorf("scsi: remove %s: %w", device, err)
	}
	return nil
}

// GetWWID returns the page 0x83 identifier of a device node.
func (s *Linux) GetWWID(ctx context.Context, devicePath string) (string, error) {
	out, err := s.exec.Execute(ctx, scsiIDTool, "--page", "0x83", "--whitelisted", devicePath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// FindMultipathDeviceForDevice finds the devicemapper parent of a
// device name like "sdx". It returns the dm-N name, or "" when the
// device is not part of a multipath map.
func (s *Linux) FindMultipathDeviceForDevice(ctx context.Context, device string) string {
	holdersDir := "/sys/block/" + device + "/holders"
	dirs, err := s.fs.ReadDir(holdersDir)
	if err != nil {
		return ""
	}
	for _, f := range dirs {
		if strings.HasPrefix(f.Name(), "dm-") {
			return f.Name()
		}
	}
	return ""
}

// MultipathMapName resolves a dm-N device to its /dev/mapper name.
func (s *Linux) MultipathMapName(ctx context.Context, dm string) (string, error) {
	buf, err := s.fs.ReadFile("/sys/block/" + dm + "/dm/name")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf)), nil
}

// FindSlavesForMultipath returns the sd* path devices backing a dm-N
// multipath device.
func (s *Linux) FindSlavesForMultipath(ctx context.Context, dm string) ([]string, error) {
	infos, err := s.fs.ReadDir("/sys/block/" + dm + "/slaves")
	if err != nil {
		return nil, err
	}
	var slaves []string
	for _, info := range infos {
		slaves = append(slaves, info.Name())
	}
	return slaves, nil
}

// FlushMultipath removes a multipath map. force retries with a map
// flush even if the first attempt reports the map is in use.
func (s *Linux) FlushMultipath(ctx context.Context, mapName string) error {
	if _, err := s.exec.Execute(ctx, "multipath", "-f", mapName); err != nil {
		return err
	}
	return nil
}

// ReloadMultipath asks multipathd to reread the paths of a map.
func (s *Linux) ReloadMultipath(ctx context.Context, mapName string) error {
	_, err := s.exec.Execute(ctx, "multipathd", "reload", "map", mapName)
	return err
}

// MultipathdRunning reports whether the multipath daemon answers.
func (s *Linux) MultipathdRunning(ctx context.Context) bool {
	out, err := s.exec.Execute(ctx, "multipathd", "show", "daemon")
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	return strings.Contains(state, "running") || strings.Contains(state, "idle")
}

// RealDeviceName resolves a by-path (or other) symlink to the bare
// kernel device name, e.g. "sdb".
func (s *Linux) RealDeviceName(devicePath string) (string, error) {
	if _, err := s.fs.Stat(devicePath); err != nil {
		return "", err
	}
	resolved := devicePath
	if lr, ok := s.fs.Fs.(afero.LinkReader); ok {
		// Relative link targets resolve against the symlink's
		// directory. Filesystems without symlink support hand
		// back the path unchanged.
		for i := 0; i < 8; i++ {
			target, err := lr.ReadlinkIfPossible(resolved)
			if err != nil {
				break
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(resolved), target)
			}
			resolved = target
		}
	}
	return strings.TrimPrefix(resolved, DevPrefix), nil
}
