// Package iscsi wraps the open-iscsi administration tool (iscsiadm)
// and the iscsi_host sysfs tree: target discovery, node login/logout,
// session enumeration and CHAP configuration.
package iscsi

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/mesosphere/brickd/pkg/execx"
)

var log = logrus.WithField("component", "iscsi")

// SetLogger configures the entry used for logging.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

// iscsiadm exit codes the workflows treat as benign.
const (
	ExitNoObjectsFound = 21 // no records/targets/sessions found
	ExitSessionExists  = 15 // session is already logged in
)

type simpleError string

func (s simpleError) Error() string { return string(s) }

const ErrNoSession = simpleError("iscsi: no session for target")

// Session is one row of `iscsiadm -m session` output.
type Session struct {
	Protocol  string
	ID        int
	Portal    string
	TargetIQN string
}

var sessionRegexp = regexp.MustCompile(`^(\w+): \[(\d+)\] ([^ ]+?),-?\d+ ([^ ]+)`)

type Client struct {
	exec execx.Executor
	fs   afero.Afero
}

func New(exec execx.Executor) *Client {
	return NewWithFs(exec, afero.Afero{Fs: afero.NewOsFs()})
}

func NewWithFs(exec execx.Executor, fs afero.Afero) *Client {
	return &Client{exec: exec, fs: fs}
}

func (c *Client) iscsiadm(ctx context.Context, args ...string) ([]byte, error) {
	return c.exec.Execute(ctx, "iscsiadm", args...)
}

// InitiatorName reads the host's IQN from
// /etc/iscsi/initiatorname.iscsi.
func (c *Client) InitiatorName() (string, error) {
	buf, err := c.fs.ReadFile("/etc/iscsi/initiatorname.iscsi")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "InitiatorName=") {
			return strings.TrimPrefix(line, "InitiatorName="), nil
		}
	}
	return "", fmt.Errorf("iscsi: no InitiatorName in /etc/iscsi/initiatorname.iscsi")
}

// Discover runs sendtargets discovery against a portal and returns
// the discovered target IQNs.
func (c *Client) Discover(ctx context.Context, portal string) ([]string, error) {
	out, err := c.iscsiadm(ctx, "-m", "discovery", "-t", "sendtargets", "-p", portal)
	if err != nil {
		return nil, err
	}
	var targets []string
	for _, line := range strings.Split(string(out), "\n") {
		// 10.0.0.1:3260,1 iqn.2010-10.org.openstack:volume-1
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		targets = append(targets, fields[1])
	}
	return targets, nil
}

// Login logs in to a target node. A session that already exists is
// not an error.
func (c *Client) Login(ctx context.Context, targetIQN, portal string) error {
	_, err := c.iscsiadm(ctx, "-m", "node", "-T", targetIQN, "-p", portal, "--login")
	if err != nil && execx.ExitCode(err) != ExitSessionExists {
		return err
	}
	return nil
}

// Logout logs out of a target node. A missing session is not an
// error.
func (c *Client) Logout(ctx context.Context, targetIQN, portal string) error {
	_, err := c.iscsiadm(ctx, "-m", "node", "-T", targetIQN, "-p", portal, "--logout")
	if err != nil && execx.ExitCode(err) != ExitNoObjectsFound {
		return err
	}
	return nil
}

// NewNode creates a node record for a target without running
// discovery.
func (c *Client) NewNode(ctx context.Context, targetIQN, portal string) error {
	_, err := c.iscsiadm(ctx, "-m", "node", "-T", targetIQN, "-p", portal, "--op", "new")
	return err
}

// DeleteNode removes the node record for a target.
func (c *Client) DeleteNode(ctx context.Context, targetIQN, portal string) error {
	_, err := c.iscsiadm(ctx, "-m", "node", "-T", targetIQN, "-p", portal, "--op", "delete")
	if err != nil && execx.ExitCode(err) != ExitNoObjectsFound {
		return err
	}
	return nil
}

// UpdateNode sets one node record parameter.
func (c *Client) UpdateNode(ctx context.Context, targetIQN, portal, name, value string) error {
	_, err := c.iscsiadm(ctx, "-m", "node", "-T", targetIQN, "-p", portal,
		"--op", "update", "-n", name, "-v", value)
	return err
}

// SetCHAP configures CHAP authentication on the node record. The
// password is passed through iscsiadm and deliberately kept out of
// the logs.
func (c *Client) SetCHAP(ctx context.Context, targetIQN, portal, username, password string) error {
	settings := [][2]string{
		{"node.session.auth.authmethod", "CHAP"},
		{"node.session.auth.username", username},
		{"node.session.auth.password", password},
	}
	for _, kv := range settings {
		if err := c.UpdateNode(ctx, targetIQN, portal, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// SetAutomaticLogin toggles whether the initiator restores the
// session at startup.
func (c *Client) SetAutomaticLogin(ctx context.Context, targetIQN, portal string, automatic bool) error {
	value := "manual"
	if automatic {
		value = "automatic"
	}
	return c.UpdateNode(ctx, targetIQN, portal, "node.startup", value)
}

// Sessions lists the active iSCSI sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	out, err := c.iscsiadm(ctx, "-m", "session")
	if err != nil {
		if execx.ExitCode(err) == ExitNoObjectsFound {
			return nil, nil
		}
		return nil, err
	}
	return parseSessions(string(out)), nil
}

func parseSessions(out string) []Session {
	var sessions []Session
	for _, line := range strings.Split(out, "\n") {
		// tcp: [3] 10.0.0.1:3260,1 iqn.2010-10.org.openstack:volume-1 (non-flash)
		m := sessionRegexp.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		sessions = append(sessions, Session{
			Protocol:  m[1],
			ID:        id,
			Portal:    m[3],
			TargetIQN: m[4],
		})
	}
	return sessions
}

// SessionForTarget returns the session logged in to the given target,
// or ErrNoSession.
func (c *Client) SessionForTarget(ctx context.Context, targetIQN string) (*Session, error) {
	sessions, err := c.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].TargetIQN == targetIQN {
			return &sessions[i], nil
		}
	}
	return nil, ErrNoSession
}

// HostSessionMap maps SCSI host numbers to the session number logged
// in to the given target, read from the iscsi_host sysfs tree. The
// map keys of /sys/class/iscsi_host/hostN/device/sessionM determine
// which hosts must be rescanned for a new LUN.
func (c *Client) HostSessionMap(ctx context.Context, targetIQN string) (map[int]int, error) {
	hostSessionMap := make(map[int]int)
	hostDirs, err := c.fs.ReadDir("/sys/class/iscsi_host")
	if err != nil {
		return hostSessionMap, nil
	}
	for _, hostDir := range hostDirs {
		hostName := hostDir.Name()
		host, err := strconv.Atoi(strings.TrimPrefix(hostName, "host"))
		if err != nil {
			continue
		}
		devDirs, err := c.fs.ReadDir("/sys/class/iscsi_host/" + hostName + "/device")
		if err != nil {
			continue
		}
		for _, devDir := range devDirs {
			sessionName := devDir.Name()
			if !strings.HasPrefix(sessionName, "session") {
				continue
			}
			session, err := strconv.Atoi(strings.TrimPrefix(sessionName, "session"))
			if err != nil {
				continue
			}
			targetnamePath := "/sys/class/iscsi_host/" + hostName + "/device/" + sessionName +
				"/iscsi_session/" + sessionName + "/targetname"
			buf, err := c.fs.ReadFile(targetnamePath)
			if err != nil {
				continue
			}
			if strings.TrimSpace(string(buf)) == targetIQN {
				hostSessionMap[host] = session
			}
		}
	}
	return hostSessionMap, nil
}

// DevicePath returns the /dev/disk/by-path name for a LUN behind an
// iSCSI portal.
func DevicePath(portal, targetIQN string, lun int) string {
	return fmt.Sprintf("/dev/disk/by-path/ip-%s-iscsi-%s-lun-%d", portal, targetIQN, lun)
}
