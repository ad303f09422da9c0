package brickd

import (
	"context"
	"fmt"
	"strings"
)

// determineFilesystemType returns the filesystem type on the device,
// or the empty string if the device is unformatted. It relies on
// lsblk as other tools such as blkid tend to lag behind when a
// device was just formatted.
func (s *Server) determineFilesystemType(ctx context.Context, devicePath string) (string, error) {
	out, err := s.exec.Execute(ctx, "lsblk", "-P", "-o", "FSTYPE", devicePath)
	if err != nil {
		return "", err
	}
	var fstype string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		value := strings.TrimPrefix(line, "FSTYPE=")
		if value == line {
			return "", fmt.Errorf("cannot parse lsblk output line %q", line)
		}
		value = strings.Trim(value, `"`)
		if value == "" {
			continue
		}
		if fstype != "" && fstype != value {
			return "", fmt.Errorf("device %s reports multiple filesystem types", devicePath)
		}
		fstype = value
	}
	return fstype, nil
}

func (s *Server) formatDevice(ctx context.Context, devicePath, fstype string) error {
	if _, err := s.exec.Execute(ctx, "mkfs", "-t", fstype, devicePath); err != nil {
		return err
	}
	return nil
}

func joinMountOptions(flags []string) string {
	return strings.Join(flags, ",")
}
