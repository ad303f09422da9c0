package scsi

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/mesosphere/brickd/pkg/execx"
)

func newMemLinux(fake *execx.Fake) (*Linux, afero.Afero) {
	fs := afero.Afero{Fs: afero.NewMemMapFs()}
	return NewWithFs(fake, fs), fs
}

func TestRescanHosts(t *testing.T) {
	s, fs := newMemLinux(execx.NewFake())
	fs.MkdirAll("/sys/class/scsi_host/host2", 0o755)
	if err := s.RescanHosts(context.Background(), []int{2}); err != nil {
		t.Fatal(err)
	}
	buf, err := fs.ReadFile("/sys/class/scsi_host/host2/scan")
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "- - -" {
		t.Fatalf("unexpected scan command %q", buf)
	}
}

func TestRescanHostLUN(t *testing.T) {
	s, fs := newMemLinux(execx.NewFake())
	if err := s.RescanHostLUN(context.Background(), 3, 0, 0, 4); err != nil {
		t.Fatal(err)
	}
	buf, _ := fs.ReadFile("/sys/class/scsi_host/host3/scan")
	if string(buf) != "0 0 4" {
		t.Fatalf("unexpected scan command %q", buf)
	}
}

func TestListHosts(t *testing.T) {
	s, fs := newMemLinux(execx.NewFake())
	fs.MkdirAll("/sys/class/scsi_host/host0", 0o755)
	fs.MkdirAll("/sys/class/scsi_host/host3", 0o755)
	hosts, err := s.ListHosts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %v", hosts)
	}
}

func TestRemoveDevice(t *testing.T) {
	fake := execx.NewFake()
	s, fs := newMemLinux(fake)
	fs.WriteFile("/sys/block/sdb/device/delete", nil, 0o200)
	if err := s.RemoveDevice(context.Background(), "sdb", true); err != nil {
		t.Fatal(err)
	}
	if !fake.Ran("blockdev --flushbufs /dev/sdb") {
		t.Fatal("expected device flush before removal")
	}
	buf, _ := fs.ReadFile("/sys/block/sdb/device/delete")
	if string(buf) != "1" {
		t.Fatalf("expected '1' written to delete file, got %q", buf)
	}
}

func TestRemoveDeviceAlreadyGone(t *testing.T) {
	s, _ := newMemLinux(execx.NewFake())
	if err := s.RemoveDevice(context.Background(), "sdz", false); err != nil {
		t.Fatalf("expected removal of missing device to succeed, got %v", err)
	}
}

func TestFindMultipathDeviceForDevice(t *testing.T) {
	s, fs := newMemLinux(execx.NewFake())
	fs.MkdirAll("/sys/block/sdb/holders/dm-4", 0o755)
	if got := s.FindMultipathDeviceForDevice(context.Background(), "sdb"); got != "dm-4" {
		t.Fatalf("expected dm-4, got %q", got)
	}
	if got := s.FindMultipathDeviceForDevice(context.Background(), "sdc"); got != "" {
		t.Fatalf("expected no holder, got %q", got)
	}
}

func TestMultipathMapName(t *testing.T) {
	s, fs := newMemLinux(execx.NewFake())
	fs.WriteFile("/sys/block/dm-4/dm/name", []byte("36000d310056978000000000000000014\n"), 0o444)
	name, err := s.MultipathMapName(context.Background(), "dm-4")
	if err != nil {
		t.Fatal(err)
	}
	if name != "36000d310056978000000000000000014" {
		t.Fatalf("unexpected map name %q", name)
	}
}

func TestGetWWID(t *testing.T) {
	fake := execx.NewFake()
	fake.Respond("/lib/udev/scsi_id --page 0x83 --whitelisted /dev/sdb", "36000d31000bca20000000000000000ba\n", nil)
	s, _ := newMemLinux(fake)
	wwid, err := s.GetWWID(context.Background(), "/dev/sdb")
	if err != nil {
		t.Fatal(err)
	}
	if wwid != "36000d31000bca20000000000000000ba" {
		t.Fatalf("unexpected wwid %q", wwid)
	}
}

func TestDeviceSizeBytes(t *testing.T) {
	fake := execx.NewFake()
	fake.Respond("blockdev --getsize64 /dev/sdb", "10737418240\n", nil)
	s, _ := newMemLinux(fake)
	size, err := s.DeviceSizeBytes(context.Background(), "/dev/sdb")
	if err != nil {
		t.Fatal(err)
	}
	if size != 10<<30 {
		t.Fatalf("unexpected size %d", size)
	}
}

func TestMultipathdRunning(t *testing.T) {
	fake := execx.NewFake()
	fake.Respond("multipathd show daemon", "pid 1234 running\n", nil)
	s, _ := newMemLinux(fake)
	if !s.MultipathdRunning(context.Background()) {
		t.Fatal("expected daemon to be reported running")
	}
}

const sampleMountinfo = `36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
48 32 253:4 / /var/lib/volumes/vol-1 rw,relatime shared:26 - xfs /dev/mapper/tank-vol--1 rw,attr2
52 32 253:5 / /srv/ro ro,relatime - ext4 /dev/mapper/tank-vol--2 ro
`

func TestParseMountinfo(t *testing.T) {
	mounts := parseMountinfo(sampleMountinfo)
	if len(mounts) != 3 {
		t.Fatalf("expected 3 mounts, got %d", len(mounts))
	}
	mp := mounts[1]
	if mp.Path != "/var/lib/volumes/vol-1" {
		t.Fatalf("unexpected path %q", mp.Path)
	}
	if mp.Fstype != "xfs" {
		t.Fatalf("unexpected fstype %q", mp.Fstype)
	}
	if mp.Mountsource != "/dev/mapper/tank-vol--1" {
		t.Fatalf("unexpected source %q", mp.Mountsource)
	}
	if mp.IsReadonly() {
		t.Fatal("expected rw mount")
	}
	if !mounts[2].IsReadonly() {
		t.Fatal("expected ro mount")
	}
}

func TestGetMountAt(t *testing.T) {
	s, fs := newMemLinux(execx.NewFake())
	fs.WriteFile("/proc/self/mountinfo", []byte(sampleMountinfo), 0o444)
	mp, err := s.GetMountAt("/var/lib/volumes/vol-1")
	if err != nil {
		t.Fatal(err)
	}
	if mp == nil || mp.Fstype != "xfs" {
		t.Fatalf("unexpected mountpoint %+v", mp)
	}
	mp, err = s.GetMountAt("/nope")
	if err != nil {
		t.Fatal(err)
	}
	if mp != nil {
		t.Fatalf("expected nil mountpoint, got %+v", mp)
	}
}

func TestParseModules(t *testing.T) {
	const sample = `iscsi_tcp 20480 2 - Live 0x0000000000000000
dm_multipath 40960 3 dm_round_robin, Live 0x0000000000000000
floppy 73728 0 - Loading 0x0000000000000000
`
	mods, err := parseModules(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 2 {
		t.Fatalf("expected 2 live modules, got %v", mods)
	}
	if mods[0] != "iscsi_tcp" || mods[1] != "dm_multipath" {
		t.Fatalf("unexpected modules %v", mods)
	}
}

func TestHasModule(t *testing.T) {
	s, fs := newMemLinux(execx.NewFake())
	fs.WriteFile("/proc/modules", []byte("iscsi_tcp 20480 2 - Live 0x0\n"), 0o444)
	ok, err := s.HasModule("iscsi_tcp")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected iscsi_tcp to be loaded")
	}
	ok, _ = s.HasModule("dm_multipath")
	if ok {
		t.Fatal("did not expect dm_multipath to be loaded")
	}
}

func TestRealDeviceName(t *testing.T) {
	s, fs := newMemLinux(execx.NewFake())
	fs.WriteFile("/dev/sdb", nil, 0o600)
	device, err := s.RealDeviceName("/dev/sdb")
	if err != nil {
		t.Fatal(err)
	}
	if device != "sdb" {
		t.Fatalf("unexpected device %q", device)
	}
	if _, err := s.RealDeviceName("/dev/sdz"); err == nil {
		t.Fatal("expected an error for a missing device")
	}
}

func TestRealDeviceNameFollowsSymlinks(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sdb"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("sdb", filepath.Join(dir, "by-path-link")); err != nil {
		t.Fatal(err)
	}
	s := New(execx.NewFake())
	device, err := s.RealDeviceName(filepath.Join(dir, "by-path-link"))
	if err != nil {
		t.Fatal(err)
	}
	if device != filepath.Join(dir, "sdb") {
		t.Fatalf("unexpected device %q", device)
	}
}
