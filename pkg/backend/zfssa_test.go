package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mesosphere/brickd/pkg/config"
	"github.com/mesosphere/brickd/pkg/execx"
)

func newZFSSADriver(t *testing.T, mux *http.ServeMux) *ZFSSADriver {
	t.Helper()
	mux.HandleFunc("/api/access/v1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Auth-Session", "s1")
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	driver, err := New(&config.Config{
		Backend: "zfssa",
		ZFSSA: config.ZFSSAConfig{
			URL:         srv.URL,
			Username:    "admin",
			Password:    "hunter2",
			Pool:        "tank",
			Project:     "brickd",
			TargetAlias: "brickd-target",
			TargetGroup: "brickd-tgtgrp",
			PortalIP:    "10.0.0.7",
		},
	}, execx.NewFake())
	if err != nil {
		t.Fatal(err)
	}
	return driver.(*ZFSSADriver)
}

func TestZFSSACreateVolume(t *testing.T) {
	mux := http.NewServeMux()
	var gotReq map[string]interface{}
	mux.HandleFunc("/api/storage/v1/pools/tank/projects/brickd/luns",
		func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&gotReq)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"lun": map[string]interface{}{
					"name":    gotReq["name"],
					"volsize": 1 << 30,
				},
			})
		})
	driver := newZFSSADriver(t, mux)

	volume, err := driver.CreateVolume(context.Background(), "data", 1<<30)
	if err != nil {
		t.Fatal(err)
	}
	if volume.SizeBytes != 1<<30 {
		t.Fatalf("unexpected size %d", volume.SizeBytes)
	}
	if !strings.HasPrefix(gotReq["name"].(string), "volume-") {
		t.Fatalf("unexpected LUN name %v", gotReq["name"])
	}
	// New LUNs start masked from every initiator.
	if gotReq["initiatorgroup"] != maskAll {
		t.Fatalf("unexpected initiator group %v", gotReq["initiatorgroup"])
	}
}

func TestZFSSAPublishVolume(t *testing.T) {
	mux := http.NewServeMux()
	var lunGroups []interface{}
	mux.HandleFunc("/api/san/v1/iscsi/initiators", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/san/v1/iscsi/initiator-groups/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/api/storage/v1/pools/tank/projects/brickd/luns/volume-vol1",
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPut {
				var body map[string]interface{}
				json.NewDecoder(r.Body).Decode(&body)
				lunGroups = body["initiatorgroup"].([]interface{})
				w.WriteHeader(http.StatusAccepted)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"lun": map[string]interface{}{
					"name":           "volume-vol1",
					"assignednumber": 3,
					"volsize":        1 << 30,
				},
			})
		})
	mux.HandleFunc("/api/san/v1/iscsi/targets/brickd-target",
		func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"target": map[string]interface{}{
					"alias": "brickd-target",
					"iqn":   "iqn.1986-03.com.sun:02:abc",
				},
			})
		})
	driver := newZFSSADriver(t, mux)

	props, err := driver.PublishVolume(context.Background(), "vol1", "iqn.1993-08.org.debian:01:deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if props.TargetIQN != "iqn.1986-03.com.sun:02:abc" {
		t.Fatalf("unexpected iqn %q", props.TargetIQN)
	}
	if props.TargetPortal != "10.0.0.7:3260" {
		t.Fatalf("unexpected portal %q", props.TargetPortal)
	}
	if props.TargetLun != 3 {
		t.Fatalf("unexpected lun %d", props.TargetLun)
	}
	if len(lunGroups) != 1 || lunGroups[0] == maskAll {
		t.Fatalf("unexpected LUN initiator groups %v", lunGroups)
	}
}

func TestZFSSASnapshotLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	snapshots := 0
	mux.HandleFunc("/api/storage/v1/pools/tank/projects/brickd/luns/volume-vol1",
		func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"lun": map[string]interface{}{"name": "volume-vol1", "volsize": 1 << 30},
			})
		})
	mux.HandleFunc("/api/storage/v1/pools/tank/projects/brickd/luns/volume-vol1/snapshots",
		func(w http.ResponseWriter, r *http.Request) {
			snapshots++
			w.WriteHeader(http.StatusCreated)
		})
	driver := newZFSSADriver(t, mux)

	snapshot, err := driver.CreateSnapshot(context.Background(), "vol1", "backup")
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.SourceVolumeID != "vol1" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if !strings.HasPrefix(snapshot.ID, "vol1@snapshot-") {
		t.Fatalf("unexpected snapshot id %q", snapshot.ID)
	}
	if snapshots != 1 {
		t.Fatalf("expected one snapshot create, got %d", snapshots)
	}
}

func TestZFSSADeleteSnapshotWithClones(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/storage/v1/pools/tank/projects/brickd/luns/volume-vol1/snapshots/snapshot-1",
		func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"snapshot": map[string]int{"numclones": 2},
			})
		})
	driver := newZFSSADriver(t, mux)

	err := driver.DeleteSnapshot(context.Background(), "vol1@snapshot-1")
	if err != ErrSnapshotHasClones {
		t.Fatalf("expected ErrSnapshotHasClones, got %v", err)
	}
}
