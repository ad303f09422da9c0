package scsi

import (
	"strings"
)

/*
3.5	/proc/<pid>/mountinfo - Information about mounts
--------------------------------------------------------

This file contains lines of the form:

36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
(1)(2)(3)   (4)   (5)      (6)      (7)   (8) (9)   (10)         (11)

(1) mount ID:  unique identifier of the mount (may be reused after umount)
(2) parent ID:  ID of parent (or of self for the top of the mount tree)
(3) major:minor:  value of st_dev for files on filesystem
(4) root:  root of the mount within the filesystem
(5) mount point:  mount point relative to the process's root
(6) mount options:  per mount options
(7) optional fields:  zero or more fields of the form "tag[:value]"
(8) separator:  marks the end of the optional fields
(9) filesystem type:  name of filesystem of the form "type[.subtype]"
(10) mount source:  filesystem specific information or "none"
(11) super options:  per super block options

~ https://www.kernel.org/doc/Documentation/filesystems/proc.txt
*/

type Mountpoint struct {
	Root        string
	Path        string
	Fstype      string
	Mountopts   []string
	Mountsource string
}

func (m *Mountpoint) IsReadonly() bool {
	for _, opt := range m.Mountopts {
		if opt == "ro" {
			return true
		}
	}
	return false
}

// ListMounts parses /proc/self/mountinfo.
func (s *Linux) ListMounts() ([]Mountpoint, error) {
	buf, err := s.fs.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	return parseMountinfo(string(buf)), nil
}

func parseMountinfo(data string) (mounts []Mountpoint) {
	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		// The separator ends a variable number of optional fields.
		sep := 6
		for sep < len(fields) && fields[sep] != "-" {
			sep++
		}
		if sep+2 >= len(fields) {
			continue
		}
		mounts = append(mounts, Mountpoint{
			Root:        fields[3],
			Path:        fields[4],
			Fstype:      fields[sep+1],
			Mountopts:   strings.Split(fields[5], ","),
			Mountsource: fields[sep+2],
		})
	}
	return mounts
}

// GetMountAt returns the first mountpoint mounted at the given path,
// or nil if nothing is mounted there.
func (s *Linux) GetMountAt(path string) (*Mountpoint, error) {
	mounts, err := s.ListMounts()
	if err != nil {
		return nil, err
	}
	for i := range mounts {
		if mounts[i].Path == path {
			return &mounts[i], nil
		}
	}
	return nil, nil
}

// DeviceHasMounts reports whether any mountpoint is backed by the
// given device node.
func (s *Linux) DeviceHasMounts(devicePath string) (bool, error) {
	mounts, err := s.ListMounts()
	if err != nil {
		return false, err
	}
	for _, mp := range mounts {
		if mp.Mountsource == devicePath {
			return true, nil
		}
	}
	return false, nil
}
