package connector

import (
	"context"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mesosphere/brickd/pkg/iscsi"
	"github.com/mesosphere/brickd/pkg/scsi"
)

// ISCSIConnector logs in to an iSCSI target, rescans the resulting
// session hosts and waits for the LUN's by-path device node.
type ISCSIConnector struct {
	iscsi *iscsi.Client
	scsi  *scsi.Linux
	opts  *options
}

func (c *ISCSIConnector) ConnectVolume(ctx context.Context, props *ConnectionProperties) (*DeviceInfo, error) {
	lock, err := c.opts.connectLock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	fields := logrus.Fields{
		"portal": props.TargetPortal,
		"iqn":    props.TargetIQN,
		"lun":    props.TargetLun,
	}
	log.WithFields(fields).Info("connecting iSCSI volume")

	// Make sure a node record exists before touching its
	// parameters. Existing records are left in place.
	if err := c.iscsi.NewNode(ctx, props.TargetIQN, props.TargetPortal); err != nil {
		log.WithFields(fields).WithField("error", err).Debug("node record create failed, assuming it exists")
	}
	if props.AuthMethod == "CHAP" {
		if err := c.iscsi.SetCHAP(ctx, props.TargetIQN, props.TargetPortal, props.AuthUsername, props.AuthPassword); err != nil {
			return nil, err
		}
	}
	if err := c.iscsi.Login(ctx, props.TargetIQN, props.TargetPortal); err != nil {
		return nil, err
	}
	// The node must not auto-restore at boot: the backend decides
	// when this volume is attached.
	if err := c.iscsi.SetAutomaticLogin(ctx, props.TargetIQN, props.TargetPortal, false); err != nil {
		log.WithFields(fields).WithField("error", err).Warn("could not disable automatic login")
	}

	devicePath := iscsi.DevicePath(props.TargetPortal, props.TargetIQN, props.TargetLun)
	found, err := waitForPath(ctx, c.opts,
		func() []string { return []string{devicePath} },
		func(bool) {
			hostSessionMap, err := c.iscsi.HostSessionMap(ctx, props.TargetIQN)
			if err != nil {
				return
			}
			for host := range hostSessionMap {
				if err := c.scsi.RescanHostLUN(ctx, host, 0, 0, props.TargetLun); err != nil {
					log.WithFields(fields).WithField("error", err).Warn("host rescan failed")
				}
			}
		})
	if err != nil {
		return nil, err
	}

	info := &DeviceInfo{Type: "block", Path: found}
	if wwn, err := c.scsi.GetWWID(ctx, found); err == nil {
		info.WWN = wwn
	}
	if props.UseMultipath {
		if dmPath, mpathID := resolveMultipath(ctx, c.opts, c.scsi, found); dmPath != "" {
			info.Path = dmPath
			info.MultipathID = mpathID
		}
	}
	if size, err := c.scsi.DeviceSizeBytes(ctx, info.Path); err == nil {
		info.SizeInBytes = size
	}
	log.WithFields(fields).WithField("device", info.Path).Info("connected iSCSI volume")
	return info, nil
}

func (c *ISCSIConnector) DisconnectVolume(ctx context.Context, props *ConnectionProperties, force bool) error {
	lock, err := c.opts.connectLock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	fields := logrus.Fields{
		"portal": props.TargetPortal,
		"iqn":    props.TargetIQN,
		"lun":    props.TargetLun,
	}
	log.WithFields(fields).Info("disconnecting iSCSI volume")

	devicePath := iscsi.DevicePath(props.TargetPortal, props.TargetIQN, props.TargetLun)
	if ok, _ := c.opts.fs.Exists(devicePath); ok {
		device, err := c.scsi.RealDeviceName(devicePath)
		if err != nil && !force {
			return err
		}
		if device != "" {
			if dm := c.scsi.FindMultipathDeviceForDevice(ctx, device); dm != "" {
				if name, err := c.scsi.MultipathMapName(ctx, dm); err == nil {
					if err := c.scsi.FlushMultipath(ctx, name); err != nil && !force {
						return err
					}
				}
			}
			if err := c.scsi.RemoveDevice(ctx, device, true); err != nil && !force {
				return err
			}
		}
	}

	// Log out only when this was the last LUN exposed through the
	// session; other volumes may share the target.
	if c.safeToLogout(ctx, props.TargetIQN) {
		if err := c.iscsi.Logout(ctx, props.TargetIQN, props.TargetPortal); err != nil && !force {
			return err
		}
		if err := c.iscsi.DeleteNode(ctx, props.TargetIQN, props.TargetPortal); err != nil && !force {
			return err
		}
	}
	log.WithFields(fields).Info("disconnected iSCSI volume")
	return nil
}

// safeToLogout reports whether the session to the target has no SCSI
// devices left.
func (c *ISCSIConnector) safeToLogout(ctx context.Context, targetIQN string) bool {
	hostSessionMap, err := c.iscsi.HostSessionMap(ctx, targetIQN)
	if err != nil || len(hostSessionMap) == 0 {
		return true
	}
	for host, session := range hostSessionMap {
		dir := "/sys/class/iscsi_host/host" + strconv.Itoa(host) + "/device/session" + strconv.Itoa(session)
		infos, err := c.opts.fs.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, info := range infos {
			if strings.HasPrefix(info.Name(), "target") {
				return false
			}
		}
	}
	return true
}
