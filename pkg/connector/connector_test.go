package connector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/mesosphere/brickd/pkg/execx"
)

func testOptions(t *testing.T) (afero.Afero, []Option) {
	t.Helper()
	fs := afero.Afero{Fs: afero.NewMemMapFs()}
	opts := []Option{
		WithFs(fs),
		LockFile(filepath.Join(t.TempDir(), "connect.lock")),
		ScanInterval(0),
		ScanAttempts(2),
	}
	return fs, opts
}

func TestNewDispatch(t *testing.T) {
	fake := execx.NewFake()
	_, opts := testOptions(t)
	for _, transport := range []string{"iscsi", "fibre_channel", "local"} {
		if _, err := New(transport, fake, opts...); err != nil {
			t.Fatalf("expected connector for %q, got %v", transport, err)
		}
	}
	if _, err := New("aoe", fake, opts...); err == nil {
		t.Fatal("expected error for unsupported transport")
	}
}

func TestWaitForPathGivesUp(t *testing.T) {
	fs, _ := testOptions(t)
	o := newOptions([]Option{WithFs(fs), ScanInterval(0), ScanAttempts(3)})
	rescans := 0
	_, err := waitForPath(context.Background(), o,
		func() []string { return []string{"/dev/disk/by-path/nope"} },
		func(bool) { rescans++ })
	if err != ErrDeviceNotFound {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if rescans != 3 {
		t.Fatalf("expected 3 rescans, got %d", rescans)
	}
}

func TestWaitForPathFindsDevice(t *testing.T) {
	fs, _ := testOptions(t)
	o := newOptions([]Option{WithFs(fs), ScanInterval(0), ScanAttempts(3)})
	const path = "/dev/disk/by-path/ip-10.0.0.1:3260-iscsi-iqn.t-lun-1"
	rescans := 0
	// The device appears after the first rescan, as it would once
	// the HBA scan completes.
	rescan := func(bool) {
		rescans++
		fs.WriteFile(path, nil, 0o644)
	}
	found, err := waitForPath(context.Background(), o,
		func() []string { return []string{path} }, rescan)
	if err != nil {
		t.Fatal(err)
	}
	if found != path {
		t.Fatalf("unexpected path %q", found)
	}
	if rescans != 1 {
		t.Fatalf("expected a single rescan, got %d", rescans)
	}
}

func TestISCSIConnectVolume(t *testing.T) {
	fake := execx.NewFake()
	fs, opts := testOptions(t)
	const devPath = "/dev/disk/by-path/ip-10.0.0.1:3260-iscsi-iqn.2010-10.org.openstack:volume-1-lun-1"
	fs.WriteFile(devPath, nil, 0o644)
	fake.Respond("/lib/udev/scsi_id --page 0x83 --whitelisted "+devPath, "36000d31000bca2\n", nil)
	fake.Respond("blockdev --getsize64 "+devPath, "1073741824\n", nil)

	conn, err := New("iscsi", fake, opts...)
	if err != nil {
		t.Fatal(err)
	}
	info, err := conn.ConnectVolume(context.Background(), &ConnectionProperties{
		DriverVolumeType: "iscsi",
		TargetPortal:     "10.0.0.1:3260",
		TargetIQN:        "iqn.2010-10.org.openstack:volume-1",
		TargetLun:        1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.Path != devPath {
		t.Fatalf("unexpected device path %q", info.Path)
	}
	if info.WWN != "36000d31000bca2" {
		t.Fatalf("unexpected wwn %q", info.WWN)
	}
	if info.SizeInBytes != 1<<30 {
		t.Fatalf("unexpected size %d", info.SizeInBytes)
	}
	if !fake.Ran("iscsiadm -m node -T iqn.2010-10.org.openstack:volume-1 -p 10.0.0.1:3260 --login") {
		t.Fatal("expected login")
	}
	if !fake.Ran("iscsiadm -m node -T iqn.2010-10.org.openstack:volume-1 -p 10.0.0.1:3260 --op update -n node.startup -v manual") {
		t.Fatal("expected automatic login to be disabled")
	}
}

func TestISCSIConnectVolumeCHAP(t *testing.T) {
	fake := execx.NewFake()
	fs, opts := testOptions(t)
	const devPath = "/dev/disk/by-path/ip-10.0.0.1:3260-iscsi-iqn.t-lun-0"
	fs.WriteFile(devPath, nil, 0o644)

	conn, _ := New("iscsi", fake, opts...)
	_, err := conn.ConnectVolume(context.Background(), &ConnectionProperties{
		DriverVolumeType: "iscsi",
		TargetPortal:     "10.0.0.1:3260",
		TargetIQN:        "iqn.t",
		AuthMethod:       "CHAP",
		AuthUsername:     "user",
		AuthPassword:     "secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !fake.Ran("iscsiadm -m node -T iqn.t -p 10.0.0.1:3260 --op update -n node.session.auth.authmethod -v CHAP") {
		t.Fatal("expected CHAP configuration")
	}
}

func TestISCSIConnectVolumeDeviceNeverAppears(t *testing.T) {
	fake := execx.NewFake()
	fs, opts := testOptions(t)
	// A session exists so the rescan loop has a host to scan, but
	// no device ever shows up.
	fs.WriteFile("/sys/class/iscsi_host/host4/device/session2/iscsi_session/session2/targetname",
		[]byte("iqn.t\n"), 0o444)

	conn, _ := New("iscsi", fake, opts...)
	_, err := conn.ConnectVolume(context.Background(), &ConnectionProperties{
		DriverVolumeType: "iscsi",
		TargetPortal:     "10.0.0.1:3260",
		TargetIQN:        "iqn.t",
		TargetLun:        3,
	})
	if err != ErrDeviceNotFound {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	// The rescan must have been targeted at the session's host.
	buf, err := fs.ReadFile("/sys/class/scsi_host/host4/scan")
	if err != nil {
		t.Fatal("expected a scan to be written for host4")
	}
	if string(buf) != "0 0 3" {
		t.Fatalf("unexpected scan command %q", buf)
	}
}

func TestISCSIDisconnectVolumeLogsOutWhenIdle(t *testing.T) {
	fake := execx.NewFake()
	_, opts := testOptions(t)
	conn, _ := New("iscsi", fake, opts...)
	err := conn.DisconnectVolume(context.Background(), &ConnectionProperties{
		DriverVolumeType: "iscsi",
		TargetPortal:     "10.0.0.1:3260",
		TargetIQN:        "iqn.t",
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !fake.Ran("iscsiadm -m node -T iqn.t -p 10.0.0.1:3260 --logout") {
		t.Fatal("expected logout when no devices remain")
	}
	if !fake.Ran("iscsiadm -m node -T iqn.t -p 10.0.0.1:3260 --op delete") {
		t.Fatal("expected node record removal")
	}
}

func TestISCSIDisconnectVolumeKeepsBusySession(t *testing.T) {
	fake := execx.NewFake()
	fs, opts := testOptions(t)
	// Another LUN is still exposed through the session.
	fs.WriteFile("/sys/class/iscsi_host/host4/device/session2/iscsi_session/session2/targetname",
		[]byte("iqn.t\n"), 0o444)
	fs.MkdirAll("/sys/class/iscsi_host/host4/device/session2/target4:0:0", 0o755)

	conn, _ := New("iscsi", fake, opts...)
	err := conn.DisconnectVolume(context.Background(), &ConnectionProperties{
		DriverVolumeType: "iscsi",
		TargetPortal:     "10.0.0.1:3260",
		TargetIQN:        "iqn.t",
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if fake.Ran("iscsiadm -m node -T iqn.t -p 10.0.0.1:3260 --logout") {
		t.Fatal("must not log out of a session with devices")
	}
}

func TestFCConnectVolume(t *testing.T) {
	fake := execx.NewFake()
	fs, opts := testOptions(t)
	fs.WriteFile("/sys/class/fc_host/host6/port_name", []byte("0x10000090fa0b7a88\n"), 0o444)
	fs.WriteFile("/sys/class/fc_host/host6/node_name", []byte("0x20000090fa0b7a88\n"), 0o444)
	fs.WriteFile("/sys/class/fc_host/host6/port_state", []byte("Online\n"), 0o444)
	const devPath = "/dev/disk/by-path/pci-0000:08:00.0-fc-0x500a098038303530-lun-2"
	fs.WriteFile(devPath, nil, 0o644)

	conn, err := New("fibre_channel", fake, opts...)
	if err != nil {
		t.Fatal(err)
	}
	info, err := conn.ConnectVolume(context.Background(), &ConnectionProperties{
		DriverVolumeType: "fibre_channel",
		TargetWWNs:       []string{"500a098038303530"},
		TargetLun:        2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.Path != devPath {
		t.Fatalf("unexpected device path %q", info.Path)
	}
}

func TestFCConnectVolumeNoHBAs(t *testing.T) {
	fake := execx.NewFake()
	_, opts := testOptions(t)
	conn, _ := New("fibre_channel", fake, opts...)
	_, err := conn.ConnectVolume(context.Background(), &ConnectionProperties{
		DriverVolumeType: "fibre_channel",
		TargetWWNs:       []string{"500a098038303530"},
		TargetLun:        2,
	})
	if err == nil {
		t.Fatal("expected error without HBAs")
	}
}

func TestFCConnectVolumeIssuesLIPOnLastAttempt(t *testing.T) {
	fake := execx.NewFake()
	fs, opts := testOptions(t)
	fs.WriteFile("/sys/class/fc_host/host6/port_name", []byte("0x10000090fa0b7a88\n"), 0o444)
	fs.WriteFile("/sys/class/fc_host/host6/port_state", []byte("Online\n"), 0o444)

	conn, _ := New("fibre_channel", fake, opts...)
	_, err := conn.ConnectVolume(context.Background(), &ConnectionProperties{
		DriverVolumeType: "fibre_channel",
		TargetWWNs:       []string{"500a098038303530"},
		TargetLun:        2,
	})
	if err != ErrDeviceNotFound {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if buf, err := fs.ReadFile("/sys/class/fc_host/host6/issue_lip"); err != nil || string(buf) != "1" {
		t.Fatalf("expected LIP on final attempt, got %q err %v", buf, err)
	}
}

func TestLocalConnector(t *testing.T) {
	fake := execx.NewFake()
	fs, opts := testOptions(t)
	conn, _ := New("local", fake, opts...)

	if _, err := conn.ConnectVolume(context.Background(), &ConnectionProperties{DriverVolumeType: "local"}); err != ErrMissingDevicePath {
		t.Fatalf("expected ErrMissingDevicePath, got %v", err)
	}

	props := &ConnectionProperties{DriverVolumeType: "local", DevicePath: "/dev/tank/vol-1"}
	if _, err := conn.ConnectVolume(context.Background(), props); err != ErrDeviceNotFound {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	fs.WriteFile("/dev/tank/vol-1", nil, 0o644)
	info, err := conn.ConnectVolume(context.Background(), props)
	if err != nil {
		t.Fatal(err)
	}
	if info.Path != "/dev/tank/vol-1" {
		t.Fatalf("unexpected path %q", info.Path)
	}
	if err := conn.DisconnectVolume(context.Background(), props, false); err != nil {
		t.Fatal(err)
	}
}
