package zfssa

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	storageRoot = "/api/storage/v1"
	sanRoot     = "/api/san/v1"
)

// LUN is the subset of appliance LUN properties backends consume.
type LUN struct {
	Name           string   `json:"name"`
	GUID           string   `json:"lunguid"`
	Number         int      `json:"assignednumber"`
	Size           int64    `json:"volsize"`
	TargetGroup    string   `json:"targetgroup"`
	InitiatorGroup []string `json:"initiatorgroup"`
	Status         string   `json:"status"`
	Origin         string   `json:"origin,omitempty"`
}

// Target is one iSCSI target configured on the appliance.
type Target struct {
	Alias      string   `json:"alias"`
	IQN        string   `json:"iqn"`
	Interfaces []string `json:"interfaces"`
}

func lunPath(pool, project, lun string) string {
	return fmt.Sprintf("%s/pools/%s/projects/%s/luns/%s", storageRoot, pool, project, lun)
}

func lunsPath(pool, project string) string {
	return fmt.Sprintf("%s/pools/%s/projects/%s/luns", storageRoot, pool, project)
}

// CreateLUNRequest describes a new LUN.
type CreateLUNRequest struct {
	Name           string `json:"name"`
	Size           int64  `json:"volsize"`
	TargetGroup    string `json:"targetgroup"`
	InitiatorGroup string `json:"initiatorgroup,omitempty"`
	VolBlockSize   int    `json:"volblocksize,omitempty"`
	Sparse         bool   `json:"sparse"`
}

// CreateLUN creates a LUN in the pool's project.
func (c *Client) CreateLUN(ctx context.Context, pool, project string, req *CreateLUNRequest) (*LUN, error) {
	var out struct {
		LUN LUN `json:"lun"`
	}
	if err := c.post(ctx, lunsPath(pool, project), req, &out); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"pool": pool, "project": project, "lun": req.Name,
	}).Info("created LUN")
	return &out.LUN, nil
}

// GetLUN looks a LUN up.
func (c *Client) GetLUN(ctx context.Context, pool, project, lun string) (*LUN, error) {
	var out struct {
		LUN LUN `json:"lun"`
	}
	if err := c.get(ctx, lunPath(pool, project, lun), &out); err != nil {
		return nil, err
	}
	return &out.LUN, nil
}

// ListLUNs lists the LUNs of a project.
func (c *Client) ListLUNs(ctx context.Context, pool, project string) ([]LUN, error) {
	var out struct {
		LUNs []LUN `json:"luns"`
	}
	if err := c.get(ctx, lunsPath(pool, project), &out); err != nil {
		return nil, err
	}
	return out.LUNs, nil
}

// Snapshot is one snapshot of a LUN.
type Snapshot struct {
	Name      string `json:"name"`
	NumClones int    `json:"numclones"`
}

// ListSnapshots lists a LUN's snapshots.
func (c *Client) ListSnapshots(ctx context.Context, pool, project, lun string) ([]Snapshot, error) {
	var out struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	if err := c.get(ctx, lunPath(pool, project, lun)+"/snapshots", &out); err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}

// DeleteLUN removes a LUN. Deleting a LUN that is already gone is
// not an error.
func (c *Client) DeleteLUN(ctx context.Context, pool, project, lun string) error {
	err := c.delete(ctx, lunPath(pool, project, lun))
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// ResizeLUN grows a LUN to size bytes.
func (c *Client) ResizeLUN(ctx context.Context, pool, project, lun string, size int64) error {
	body := map[string]interface{}{"volsize": size}
	return c.put(ctx, lunPath(pool, project, lun), body, nil)
}

// SetLUNInitiatorGroups restricts which initiator groups see the LUN.
func (c *Client) SetLUNInitiatorGroups(ctx context.Context, pool, project, lun string, groups []string) error {
	body := map[string]interface{}{"initiatorgroup": groups}
	return c.put(ctx, lunPath(pool, project, lun), body, nil)
}

// CreateSnapshot snapshots a LUN.
func (c *Client) CreateSnapshot(ctx context.Context, pool, project, lun, snapshot string) error {
	body := map[string]interface{}{"name": snapshot}
	return c.post(ctx, lunPath(pool, project, lun)+"/snapshots", body, nil)
}

// DeleteSnapshot removes a LUN snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, pool, project, lun, snapshot string) error {
	err := c.delete(ctx, lunPath(pool, project, lun)+"/snapshots/"+snapshot)
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// NumClones reports how many clones depend on a snapshot. Snapshots
// with clones must not be deleted.
func (c *Client) NumClones(ctx context.Context, pool, project, lun, snapshot string) (int, error) {
	var out struct {
		Snapshot struct {
			NumClones int `json:"numclones"`
		} `json:"snapshot"`
	}
	err := c.get(ctx, lunPath(pool, project, lun)+"/snapshots/"+snapshot, &out)
	if err != nil {
		return 0, err
	}
	return out.Snapshot.NumClones, nil
}

// CloneSnapshot creates a new LUN backed by the snapshot.
func (c *Client) CloneSnapshot(ctx context.Context, pool, project, lun, snapshot, cloneProject, cloneName string) error {
	body := map[string]interface{}{
		"project": cloneProject,
		"share":   cloneName,
	}
	path := lunPath(pool, project, lun) + "/snapshots/" + snapshot + "/clone"
	return c.put(ctx, path, body, nil)
}

// PoolUsage is the capacity summary of a storage pool.
type PoolUsage struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	Used      int64 `json:"used"`
}

// GetPoolUsage reads a pool's capacity numbers.
func (c *Client) GetPoolUsage(ctx context.Context, pool string) (*PoolUsage, error) {
	var out struct {
		Pool struct {
			Usage PoolUsage `json:"usage"`
		} `json:"pool"`
	}
	if err := c.get(ctx, storageRoot+"/pools/"+pool, &out); err != nil {
		return nil, err
	}
	return &out.Pool.Usage, nil
}

// GetTarget reads an iSCSI target by alias.
func (c *Client) GetTarget(ctx context.Context, alias string) (*Target, error) {
	var out struct {
		Target Target `json:"target"`
	}
	if err := c.get(ctx, sanRoot+"/iscsi/targets/"+alias, &out); err != nil {
		return nil, err
	}
	return &out.Target, nil
}

// CreateInitiator registers an initiator IQN, optionally with CHAP
// credentials the appliance verifies at login.
func (c *Client) CreateInitiator(ctx context.Context, initiatorIQN, alias, chapUser, chapSecret string) error {
	body := map[string]interface{}{
		"initiator": initiatorIQN,
		"alias":     alias,
	}
	if chapUser != "" {
		body["chapuser"] = chapUser
		body["chapsecret"] = chapSecret
	}
	err := c.post(ctx, sanRoot+"/iscsi/initiators", body, nil)
	if IsAlreadyExists(err) {
		return nil
	}
	return err
}

// SetInitiatorGroup replaces the membership of an initiator group,
// creating the group when it does not exist yet.
func (c *Client) SetInitiatorGroup(ctx context.Context, group string, initiators []string) error {
	body := map[string]interface{}{"initiators": initiators}
	err := c.put(ctx, sanRoot+"/iscsi/initiator-groups/"+group, body, nil)
	if IsNotFound(err) {
		create := map[string]interface{}{"name": group, "initiators": initiators}
		return c.post(ctx, sanRoot+"/iscsi/initiator-groups", create, nil)
	}
	return err
}

// SetTargetGroup replaces the membership of a target group, creating
// the group when it does not exist yet.
func (c *Client) SetTargetGroup(ctx context.Context, group string, targets []string) error {
	body := map[string]interface{}{"targets": targets}
	err := c.put(ctx, sanRoot+"/iscsi/target-groups/"+group, body, nil)
	if IsNotFound(err) {
		create := map[string]interface{}{"name": group, "targets": targets}
		return c.post(ctx, sanRoot+"/iscsi/target-groups", create, nil)
	}
	return err
}
