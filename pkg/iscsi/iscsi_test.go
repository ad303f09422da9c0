package iscsi

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"github.com/mesosphere/brickd/pkg/execx"
)

func newMemClient(fake *execx.Fake) (*Client, afero.Afero) {
	fs := afero.Afero{Fs: afero.NewMemMapFs()}
	return NewWithFs(fake, fs), fs
}

func TestInitiatorName(t *testing.T) {
	c, fs := newMemClient(execx.NewFake())
	fs.WriteFile("/etc/iscsi/initiatorname.iscsi",
		[]byte("## DO NOT EDIT OR REMOVE THIS FILE!\nInitiatorName=iqn.1993-08.org.debian:01:5f2aa1b1fc3\n"), 0o644)
	name, err := c.InitiatorName()
	if err != nil {
		t.Fatal(err)
	}
	if name != "iqn.1993-08.org.debian:01:5f2aa1b1fc3" {
		t.Fatalf("unexpected initiator name %q", name)
	}
}

func TestDiscover(t *testing.T) {
	fake := execx.NewFake()
	fake.Respond("iscsiadm -m discovery -t sendtargets -p 10.0.0.1:3260",
		"10.0.0.1:3260,1 iqn.2010-10.org.openstack:volume-1\n10.0.0.1:3260,1 iqn.2010-10.org.openstack:volume-2\n", nil)
	c, _ := newMemClient(fake)
	targets, err := c.Discover(context.Background(), "10.0.0.1:3260")
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 || targets[0] != "iqn.2010-10.org.openstack:volume-1" {
		t.Fatalf("unexpected targets %v", targets)
	}
}

func TestLoginIdempotent(t *testing.T) {
	fake := execx.NewFake()
	fake.Default = execx.FakeResponse{
		Err: &execx.CommandError{ExitCode: ExitSessionExists, Stderr: "iscsiadm: default: 1 session requested, but 1 already present."},
	}
	c, _ := newMemClient(fake)
	if err := c.Login(context.Background(), "iqn.2010-10.org.openstack:volume-1", "10.0.0.1:3260"); err != nil {
		t.Fatalf("expected existing session to be benign, got %v", err)
	}
}

func TestLoginFailure(t *testing.T) {
	fake := execx.NewFake()
	fake.Default = execx.FakeResponse{
		Err: &execx.CommandError{ExitCode: 24, Stderr: "iscsiadm: Could not login to [iface: default]"},
	}
	c, _ := newMemClient(fake)
	if err := c.Login(context.Background(), "iqn.x", "10.0.0.1:3260"); err == nil {
		t.Fatal("expected login failure to propagate")
	}
}

func TestLogoutNoSession(t *testing.T) {
	fake := execx.NewFake()
	fake.Default = execx.FakeResponse{
		Err: &execx.CommandError{ExitCode: ExitNoObjectsFound, Stderr: "iscsiadm: No matching sessions found"},
	}
	c, _ := newMemClient(fake)
	if err := c.Logout(context.Background(), "iqn.x", "10.0.0.1:3260"); err != nil {
		t.Fatalf("expected missing session to be benign, got %v", err)
	}
}

func TestParseSessions(t *testing.T) {
	const out = `tcp: [1] 10.0.0.1:3260,1 iqn.2010-10.org.openstack:volume-1 (non-flash)
tcp: [3] 10.0.0.2:3260,2 iqn.2010-10.org.openstack:volume-2 (non-flash)
`
	sessions := parseSessions(out)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != 1 || sessions[0].Portal != "10.0.0.1:3260" {
		t.Fatalf("unexpected session %+v", sessions[0])
	}
	if sessions[1].TargetIQN != "iqn.2010-10.org.openstack:volume-2" {
		t.Fatalf("unexpected session %+v", sessions[1])
	}
}

func TestSessionsNoneFound(t *testing.T) {
	fake := execx.NewFake()
	fake.Default = execx.FakeResponse{
		Err: &execx.CommandError{ExitCode: ExitNoObjectsFound, Stderr: "iscsiadm: No active sessions."},
	}
	c, _ := newMemClient(fake)
	sessions, err := c.Sessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sessions != nil {
		t.Fatalf("expected no sessions, got %v", sessions)
	}
}

func TestSessionForTarget(t *testing.T) {
	fake := execx.NewFake()
	fake.Respond("iscsiadm -m session",
		"tcp: [7] 10.0.0.1:3260,1 iqn.2010-10.org.openstack:volume-9 (non-flash)\n", nil)
	c, _ := newMemClient(fake)
	sess, err := c.SessionForTarget(context.Background(), "iqn.2010-10.org.openstack:volume-9")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != 7 {
		t.Fatalf("unexpected session %+v", sess)
	}
	if _, err := c.SessionForTarget(context.Background(), "iqn.other"); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSetCHAP(t *testing.T) {
	fake := execx.NewFake()
	c, _ := newMemClient(fake)
	if err := c.SetCHAP(context.Background(), "iqn.t", "10.0.0.1:3260", "user", "secret"); err != nil {
		t.Fatal(err)
	}
	if !fake.Ran("iscsiadm -m node -T iqn.t -p 10.0.0.1:3260 --op update -n node.session.auth.authmethod -v CHAP") {
		t.Fatal("expected authmethod update")
	}
	if !fake.Ran("iscsiadm -m node -T iqn.t -p 10.0.0.1:3260 --op update -n node.session.auth.password -v secret") {
		t.Fatal("expected password update")
	}
}

func TestHostSessionMap(t *testing.T) {
	c, fs := newMemClient(execx.NewFake())
	fs.WriteFile("/sys/class/iscsi_host/host4/device/session2/iscsi_session/session2/targetname",
		[]byte("iqn.2010-10.org.openstack:volume-1\n"), 0o444)
	fs.MkdirAll("/sys/class/iscsi_host/host5/device/power", 0o755)
	m, err := c.HostSessionMap(context.Background(), "iqn.2010-10.org.openstack:volume-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 1 || m[4] != 2 {
		t.Fatalf("unexpected host session map %v", m)
	}
}

func TestDevicePath(t *testing.T) {
	got := DevicePath("10.0.0.1:3260", "iqn.2010-10.org.openstack:volume-1", 0)
	want := "/dev/disk/by-path/ip-10.0.0.1:3260-iscsi-iqn.2010-10.org.openstack:volume-1-lun-0"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
