package backend

import (
	"context"
	"testing"

	"github.com/mesosphere/brickd/pkg/config"
	"github.com/mesosphere/brickd/pkg/execx"
)

const sampleLURef = `Stripe
LUN Capacity         Size RAID Group DP Pool RAID Level Type Status
  0 41943040 blocks    N/A        0     N/A      RAID5 SAS  Normal
  1 20971520 blocks    N/A      N/A       6      RAID5 SAS  Normal
`

func newSNM2Driver(t *testing.T, fake *execx.Fake) *SNM2Driver {
	t.Helper()
	driver, err := New(&config.Config{
		Backend: "hitachi-snm2",
		Hitachi: config.HitachiConfig{
			Unit:      "ams2300",
			PoolID:    6,
			PortalIP:  "10.0.0.9",
			TargetIQN: "iqn.1994-04.jp.co.hitachi:rsd.d8a.t.10009.2a000",
		},
	}, fake)
	if err != nil {
		t.Fatal(err)
	}
	return driver.(*SNM2Driver)
}

func TestParseLURef(t *testing.T) {
	lus := parseLURef(sampleLURef)
	if len(lus) != 2 {
		t.Fatalf("expected 2 LUs, got %d", len(lus))
	}
	if lus[0].Number != 0 || lus[0].CapacityBytes != 41943040*512 {
		t.Fatalf("unexpected first LU %+v", lus[0])
	}
	if lus[1].Status != "Normal" {
		t.Fatalf("unexpected status %q", lus[1].Status)
	}
}

func TestSNM2CreateVolume(t *testing.T) {
	fake := execx.NewFake()
	driver := newSNM2Driver(t, fake)
	fake.Respond("auluref -unit ams2300", sampleLURef, nil)

	volume, err := driver.CreateVolume(context.Background(), "data", 1<<30)
	if err != nil {
		t.Fatal(err)
	}
	// LUs 0 and 1 exist, the next free number is 2.
	if volume.ID != "2" {
		t.Fatalf("unexpected id %q", volume.ID)
	}
	if !fake.Ran("auluadd -unit ams2300 -lu 2 -dppoolno 6 -size 1g") {
		t.Fatal("expected auluadd")
	}
}

func TestSNM2DeleteVolume(t *testing.T) {
	fake := execx.NewFake()
	driver := newSNM2Driver(t, fake)
	fake.Respond("auluref -unit ams2300", sampleLURef, nil)

	if err := driver.DeleteVolume(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	if !fake.Ran("auludel -unit ams2300 -lu 1 -f") {
		t.Fatal("expected auludel")
	}
	// Deleting an LU that is already gone is not an error.
	fake.Commands = nil
	if err := driver.DeleteVolume(context.Background(), "9"); err != nil {
		t.Fatal(err)
	}
	if fake.Ran("auludel") {
		t.Fatal("did not expect auludel for a missing LU")
	}
}

func TestSNM2ExtendVolume(t *testing.T) {
	fake := execx.NewFake()
	driver := newSNM2Driver(t, fake)
	if err := driver.ExtendVolume(context.Background(), "1", 20<<30); err != nil {
		t.Fatal(err)
	}
	if !fake.Ran("auluchgsize -unit ams2300 -lu 1 -size 20g") {
		t.Fatal("expected auluchgsize")
	}
}

func TestSNM2CreateSnapshot(t *testing.T) {
	fake := execx.NewFake()
	driver := newSNM2Driver(t, fake)
	fake.Respond("auluref -unit ams2300", sampleLURef, nil)

	snapshot, err := driver.CreateSnapshot(context.Background(), "1", "backup")
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.ID != "2" || snapshot.SourceVolumeID != "1" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if !fake.Ran("aureplicationlocal -unit ams2300 -ss -create -pvol 1 -svol 2") {
		t.Fatal("expected snapshot pair creation")
	}
}

func TestSNM2GetCapacity(t *testing.T) {
	fake := execx.NewFake()
	driver := newSNM2Driver(t, fake)
	fake.Respond("audppool -unit ams2300 -refer -g",
		"DP_Pool_No Total_Capacity(GB) Free_Capacity(GB) Usage(%)\n"+
			"         6               1024               512       50\n", nil)

	total, free, err := driver.GetCapacity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if total != 1024<<30 || free != 512<<30 {
		t.Fatalf("unexpected capacity total=%d free=%d", total, free)
	}
}

func TestSNM2PublishVolume(t *testing.T) {
	fake := execx.NewFake()
	driver := newSNM2Driver(t, fake)
	fake.Respond("auluref -unit ams2300", sampleLURef, nil)

	props, err := driver.PublishVolume(context.Background(), "1", "iqn.1993-08.org.debian:01:deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if props.DriverVolumeType != "iscsi" {
		t.Fatalf("unexpected transport %q", props.DriverVolumeType)
	}
	if props.TargetPortal != "10.0.0.9:3260" {
		t.Fatalf("unexpected portal %q", props.TargetPortal)
	}
	if props.TargetLun != 1 {
		t.Fatalf("unexpected lun %d", props.TargetLun)
	}
	if !fake.Ran("autargetmap -unit ams2300 -add 0 0 1 1") {
		t.Fatal("expected target mapping")
	}
}
