package fibrechannel

import (
	"context"
	"testing"

	"github.com/spf13/afero"
)

func newMemLinux() (*Linux, afero.Afero) {
	fs := afero.Afero{Fs: afero.NewMemMapFs()}
	return NewWithFs(fs), fs
}

func writeHBA(fs afero.Afero, host int, portName, state string) {
	dir := "/sys/class/fc_host/host" + string(rune('0'+host))
	fs.WriteFile(dir+"/port_name", []byte("0x"+portName+"\n"), 0o444)
	fs.WriteFile(dir+"/node_name", []byte("0x2000"+portName[4:]+"\n"), 0o444)
	fs.WriteFile(dir+"/port_state", []byte(state+"\n"), 0o444)
}

func TestGetHBAs(t *testing.T) {
	l, fs := newMemLinux()
	writeHBA(fs, 3, "10000090fa0b7a88", "Online")
	writeHBA(fs, 4, "10000090fa0b7a89", "Linkdown")
	hbas, err := l.GetHBAs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hbas) != 2 {
		t.Fatalf("expected 2 HBAs, got %d", len(hbas))
	}
	if hbas[0].Host != 3 || hbas[0].PortName != "10000090fa0b7a88" {
		t.Fatalf("unexpected HBA %+v", hbas[0])
	}
	if !hbas[0].Online() {
		t.Fatal("expected host3 online")
	}
	if hbas[1].Online() {
		t.Fatal("expected host4 not online")
	}
}

func TestGetHBAsNone(t *testing.T) {
	l, _ := newMemLinux()
	if _, err := l.GetHBAs(context.Background()); err != ErrNoFibreChannelHBAs {
		t.Fatalf("expected ErrNoFibreChannelHBAs, got %v", err)
	}
}

func TestIssueLIP(t *testing.T) {
	l, fs := newMemLinux()
	writeHBA(fs, 3, "10000090fa0b7a88", "Online")
	hbas, err := l.GetHBAs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.IssueLIP(context.Background(), hbas); err != nil {
		t.Fatal(err)
	}
	buf, err := fs.ReadFile("/sys/class/fc_host/host3/issue_lip")
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "1" {
		t.Fatalf("unexpected issue_lip contents %q", buf)
	}
}

func TestCandidatePaths(t *testing.T) {
	l, fs := newMemLinux()
	fs.WriteFile("/dev/disk/by-path/pci-0000:08:00.0-fc-0x500a098038303530-lun-2", nil, 0o644)
	fs.WriteFile("/dev/disk/by-path/pci-0000:08:00.0-fc-0x500a098038303530-lun-3", nil, 0o644)
	paths, err := l.CandidatePaths([]string{"0x500A098038303530"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 path, got %v", paths)
	}
	if paths[0] != "/dev/disk/by-path/pci-0000:08:00.0-fc-0x500a098038303530-lun-2" {
		t.Fatalf("unexpected path %q", paths[0])
	}
}
