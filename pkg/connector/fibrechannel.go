package connector

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mesosphere/brickd/pkg/fibrechannel"
	"github.com/mesosphere/brickd/pkg/scsi"
)

// FibreChannelConnector waits for a mapped LUN to show up under one
// of the fabric's by-path names, rescanning the HBA hosts between
// attempts and issuing a LIP as a last resort.
type FibreChannelConnector struct {
	fc   *fibrechannel.Linux
	scsi *scsi.Linux
	opts *options
}

func (c *FibreChannelConnector) ConnectVolume(ctx context.Context, props *ConnectionProperties) (*DeviceInfo, error) {
	lock, err := c.opts.connectLock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	fields := logrus.Fields{
		"wwns": props.TargetWWNs,
		"lun":  props.TargetLun,
	}
	log.WithFields(fields).Info("connecting FC volume")

	hbas, err := c.fc.GetHBAs(ctx)
	if err != nil {
		return nil, err
	}
	var hosts []int
	for _, hba := range hbas {
		if hba.Online() {
			hosts = append(hosts, hba.Host)
		}
	}

	found, err := waitForPath(ctx, c.opts,
		func() []string {
			paths, err := c.fc.CandidatePaths(props.TargetWWNs, props.TargetLun)
			if err != nil {
				return nil
			}
			return paths
		},
		func(last bool) {
			if err := c.scsi.RescanHosts(ctx, hosts); err != nil {
				log.WithFields(fields).WithField("error", err).Warn("FC host rescan failed")
			}
			if last {
				// The targeted scan found nothing; reset
				// the loop so the fabric is rediscovered.
				c.fc.IssueLIP(ctx, hbas)
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
	log.WithFields(fields).WithField("device", info.Path).Info("connected FC volume")
	return info, nil
}

func (c *FibreChannelConnector) DisconnectVolume(ctx context.Context, props *ConnectionProperties, force bool) error {
	lock, err := c.opts.connectLock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	fields := logrus.Fields{
		"wwns": props.TargetWWNs,
		"lun":  props.TargetLun,
	}
	log.WithFields(fields).Info("disconnecting FC volume")

	paths, err := c.fc.CandidatePaths(props.TargetWWNs, props.TargetLun)
	if err != nil && !force {
		return err
	}
	flushed := map[string]bool{}
	for _, path := range paths {
		device, err := c.scsi.RealDeviceName(path)
		if err != nil {
			continue
		}
		if dm := c.scsi.FindMultipathDeviceForDevice(ctx, device); dm != "" {
			name, err := c.scsi.MultipathMapName(ctx, dm)
			if err == nil && !flushed[name] {
				if err := c.scsi.FlushMultipath(ctx, name); err != nil && !force {
					return err
				}
				flushed[name] = true
			}
		}
		if err := c.scsi.RemoveDevice(ctx, device, true); err != nil && !force {
			return err
		}
	}
	log.WithFields(fields).Info("disconnected FC volume")
	return nil
}
