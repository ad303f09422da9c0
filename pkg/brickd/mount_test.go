package brickd

import (
	"context"
	"testing"

	"github.com/mesosphere/brickd/pkg/execx"
)

func TestDetermineFilesystemType(t *testing.T) {
	exec := execx.NewFake()
	exec.Respond("lsblk -P -o FSTYPE /dev/sdb", "FSTYPE=\"xfs\"\n", nil)
	server := NewServer(newFakeDriver(), exec, "xfs")
	fstype, err := server.determineFilesystemType(context.Background(), "/dev/sdb")
	if err != nil {
		t.Fatal(err)
	}
	if fstype != "xfs" {
		t.Fatalf("expected xfs, got %q", fstype)
	}
}

func TestDetermineFilesystemTypeUnformatted(t *testing.T) {
	exec := execx.NewFake()
	exec.Respond("lsblk -P -o FSTYPE /dev/sdb", "FSTYPE=\"\"\n", nil)
	server := NewServer(newFakeDriver(), exec, "xfs")
	fstype, err := server.determineFilesystemType(context.Background(), "/dev/sdb")
	if err != nil {
		t.Fatal(err)
	}
	if fstype != "" {
		t.Fatalf("expected no filesystem, got %q", fstype)
	}
}

func TestDetermineFilesystemTypeConflicting(t *testing.T) {
	exec := execx.NewFake()
	exec.Respond("lsblk -P -o FSTYPE /dev/sdb", "FSTYPE=\"xfs\"\nFSTYPE=\"ext4\"\n", nil)
	server := NewServer(newFakeDriver(), exec, "xfs")
	if _, err := server.determineFilesystemType(context.Background(), "/dev/sdb"); err == nil {
		t.Fatal("expected an error for conflicting filesystem types")
	}
}

func TestFormatDevice(t *testing.T) {
	exec := execx.NewFake()
	exec.Respond("mkfs -t xfs /dev/sdb", "", nil)
	server := NewServer(newFakeDriver(), exec, "xfs")
	if err := server.formatDevice(context.Background(), "/dev/sdb", "xfs"); err != nil {
		t.Fatal(err)
	}
	if !exec.Ran("mkfs -t xfs /dev/sdb") {
		t.Fatal("expected mkfs to run")
	}
}
