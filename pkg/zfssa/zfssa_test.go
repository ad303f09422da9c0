package zfssa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeAppliance struct {
	mux      *http.ServeMux
	sessions int
	token    string
}

func newFakeAppliance() *fakeAppliance {
	f := &fakeAppliance{mux: http.NewServeMux(), token: "session-1"}
	f.mux.HandleFunc("/api/access/v1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-User") != "admin" || r.Header.Get("X-Auth-Key") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.sessions++
		w.Header().Set("X-Auth-Session", f.token)
		w.WriteHeader(http.StatusCreated)
	})
	return f
}

// authed wraps a handler with the session check every appliance
// endpoint performs.
func (f *fakeAppliance) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Session") != f.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func newTestClient(t *testing.T, f *fakeAppliance) *Client {
	t.Helper()
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "admin", "hunter2", false)
}

func TestLogin(t *testing.T) {
	f := newFakeAppliance()
	c := newTestClient(t, f)
	if err := c.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.sessionToken() != "session-1" {
		t.Fatalf("unexpected session token %q", c.sessionToken())
	}
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFakeAppliance()
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "admin", "wrong", false)
	err := c.Login(context.Background())
	if err == nil {
		t.Fatal("expected login failure")
	}
	zerr, ok := err.(*Error)
	if !ok || zerr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 Error, got %v", err)
	}
}

func TestReloginOnExpiredSession(t *testing.T) {
	f := newFakeAppliance()
	f.mux.HandleFunc("/api/storage/v1/pools/tank", f.authed(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pool": map[string]interface{}{
				"usage": map[string]int64{"total": 100, "available": 60, "used": 40},
			},
		})
	}))
	c := newTestClient(t, f)
	if err := c.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Invalidate the stored token so the next request gets a 401
	// and has to log in again.
	f.token = "session-2"
	usage, err := c.GetPoolUsage(context.Background(), "tank")
	if err != nil {
		t.Fatal(err)
	}
	if usage.Available != 60 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if f.sessions != 2 {
		t.Fatalf("expected a re-login, saw %d sessions", f.sessions)
	}
}

func TestCreateLUN(t *testing.T) {
	f := newFakeAppliance()
	f.mux.HandleFunc("/api/storage/v1/pools/tank/projects/brickd/luns",
		f.authed(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Fatalf("unexpected method %s", r.Method)
			}
			var req CreateLUNRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatal(err)
			}
			if req.Name != "vol-1" || req.Size != 1<<30 || req.TargetGroup != "brickd-tgtgrp" {
				t.Fatalf("unexpected request %+v", req)
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"lun": map[string]interface{}{
					"name":           "vol-1",
					"lunguid":        "600144F0F8C1",
					"assignednumber": 2,
					"volsize":        1 << 30,
				},
			})
		}))
	c := newTestClient(t, f)
	lun, err := c.CreateLUN(context.Background(), "tank", "brickd", &CreateLUNRequest{
		Name:        "vol-1",
		Size:        1 << 30,
		TargetGroup: "brickd-tgtgrp",
	})
	if err != nil {
		t.Fatal(err)
	}
	if lun.GUID != "600144F0F8C1" || lun.Number != 2 {
		t.Fatalf("unexpected LUN %+v", lun)
	}
}

func TestDeleteLUNGoneIsNotAnError(t *testing.T) {
	f := newFakeAppliance()
	f.mux.HandleFunc("/api/storage/v1/pools/tank/projects/brickd/luns/vol-1",
		f.authed(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
	c := newTestClient(t, f)
	if err := c.DeleteLUN(context.Background(), "tank", "brickd", "vol-1"); err != nil {
		t.Fatal(err)
	}
}

func TestCloneSnapshot(t *testing.T) {
	f := newFakeAppliance()
	var gotPath string
	var gotBody map[string]interface{}
	f.mux.HandleFunc("/api/storage/v1/pools/tank/projects/brickd/luns/vol-1/snapshots/snap-1/clone",
		f.authed(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusCreated)
		}))
	c := newTestClient(t, f)
	err := c.CloneSnapshot(context.Background(), "tank", "brickd", "vol-1", "snap-1", "brickd", "vol-2")
	if err != nil {
		t.Fatal(err)
	}
	if gotPath == "" {
		t.Fatal("clone endpoint not hit")
	}
	if gotBody["share"] != "vol-2" || gotBody["project"] != "brickd" {
		t.Fatalf("unexpected clone body %v", gotBody)
	}
}

func TestNumClones(t *testing.T) {
	f := newFakeAppliance()
	f.mux.HandleFunc("/api/storage/v1/pools/tank/projects/brickd/luns/vol-1/snapshots/snap-1",
		f.authed(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"snapshot": map[string]int{"numclones": 3},
			})
		}))
	c := newTestClient(t, f)
	n, err := c.NumClones(context.Background(), "tank", "brickd", "vol-1", "snap-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 clones, got %d", n)
	}
}

func TestSetInitiatorGroupCreatesWhenMissing(t *testing.T) {
	f := newFakeAppliance()
	created := false
	f.mux.HandleFunc("/api/san/v1/iscsi/initiator-groups/cluster-a",
		f.authed(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
	f.mux.HandleFunc("/api/san/v1/iscsi/initiator-groups",
		f.authed(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			if body["name"] != "cluster-a" {
				t.Fatalf("unexpected create body %v", body)
			}
			created = true
			w.WriteHeader(http.StatusCreated)
		}))
	c := newTestClient(t, f)
	err := c.SetInitiatorGroup(context.Background(), "cluster-a",
		[]string{"iqn.1993-08.org.debian:01:deadbeef"})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected group to be created")
	}
}

func TestGetTarget(t *testing.T) {
	f := newFakeAppliance()
	f.mux.HandleFunc("/api/san/v1/iscsi/targets/brickd-target",
		f.authed(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"target": map[string]interface{}{
					"alias":      "brickd-target",
					"iqn":        "iqn.1986-03.com.sun:02:abc",
					"interfaces": []string{"igb0"},
				},
			})
		}))
	c := newTestClient(t, f)
	target, err := c.GetTarget(context.Background(), "brickd-target")
	if err != nil {
		t.Fatal(err)
	}
	if target.IQN != "iqn.1986-03.com.sun:02:abc" {
		t.Fatalf("unexpected target %+v", target)
	}
}
