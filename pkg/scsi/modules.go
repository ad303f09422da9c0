package scsi

import (
	"bufio"
	"bytes"
	"io"
)

// ListModules returns the names of the live kernel modules. The
// connectors use it to verify iscsi_tcp/dm_multipath are loaded
// before attempting an attach.
func (s *Linux) ListModules() ([]string, error) {
	buf, err := s.fs.ReadFile("/proc/modules")
	if err != nil {
		return nil, err
	}
	return parseModules(bytes.NewReader(buf))
}

// HasModule reports whether the named module is loaded and live.
func (s *Linux) HasModule(name string) (bool, error) {
	mods, err := s.ListModules()
	if err != nil {
		return false, err
	}
	for _, mod := range mods {
		if mod == name {
			return true, nil
		}
	}
	return false, nil
}

func parseModules(r io.Reader) (mods []string, err error) {
	// see https://access.redhat.com/documentation/en-US/Red_Hat_Enterprise_Linux/4/html/Reference_Guide/s2-proc-modules.html
	/*
		$ tail /proc/modules
		ttm 98304 1 cirrus, Live 0x0000000000000000
		drm_kms_helper 155648 1 cirrus, Live 0x0000000000000000
		psmouse 131072 0 - Live 0x0000000000000000
		floppy 73728 0 - Live 0x0000000000000000
	*/
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := bytes.Fields(s.Bytes())
		if len(fields) == 0 {
			continue
		}
		name := string(fields[0])
		if len(fields) < 5 {
			// !unloading
			mods = append(mods, name)
			continue
		}
		if !bytes.Equal(fields[4], []byte("Live")) {
			continue
		}
		mods = append(mods, name)
	}
	err = s.Err()
	return
}
