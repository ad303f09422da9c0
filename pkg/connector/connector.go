// Package connector attaches and detaches block storage volumes on
// the local host. A Connector takes the connection properties handed
// out by a backend driver, performs the protocol-specific login and
// rescan dance, and waits for the kernel to surface a device node,
// optionally resolving it to its multipath parent.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/mesosphere/brickd/pkg/execx"
	"github.com/mesosphere/brickd/pkg/fibrechannel"
	"github.com/mesosphere/brickd/pkg/iscsi"
	"github.com/mesosphere/brickd/pkg/scsi"
)

var log = logrus.WithField("component", "connector")

// SetLogger configures the entry used for logging.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

type simpleError string

func (s simpleError) Error() string { return string(s) }

const (
	ErrUnsupportedTransport = simpleError("connector: unsupported driver volume type")
	ErrDeviceNotFound       = simpleError("connector: volume device not found")
	ErrMissingDevicePath    = simpleError("connector: connection properties carry no device path")
)

// ConnectionProperties describes the target volume. It mirrors the
// dictionaries storage backends hand to initiators: which transport,
// where the target lives, and how to authenticate.
type ConnectionProperties struct {
	DriverVolumeType string `json:"driver_volume_type"`

	// iSCSI
	TargetPortal string `json:"target_portal,omitempty"`
	TargetIQN    string `json:"target_iqn,omitempty"`
	TargetLun    int    `json:"target_lun"`
	AuthMethod   string `json:"auth_method,omitempty"`
	AuthUsername string `json:"auth_username,omitempty"`
	AuthPassword string `json:"auth_password,omitempty"`

	// Fibre Channel
	TargetWWNs []string `json:"target_wwn,omitempty"`

	// Local
	DevicePath string `json:"device_path,omitempty"`

	AccessMode   string `json:"access_mode,omitempty"`
	UseMultipath bool   `json:"use_multipath,omitempty"`
}

// DeviceInfo describes the local device an attach produced.
type DeviceInfo struct {
	Type          string // always "block"
	Path          string // device node handed to the caller
	WWN           string
	MultipathID   string
	SizeInBytes   int64
}

// Connector attaches volumes of one transport type.
type Connector interface {
	// ConnectVolume makes the volume available on this host and
	// returns the resulting device.
	ConnectVolume(ctx context.Context, props *ConnectionProperties) (*DeviceInfo, error)
	// DisconnectVolume removes the volume's devices from this
	// host. force continues past flush failures.
	DisconnectVolume(ctx context.Context, props *ConnectionProperties, force bool) error
}

const (
	// DefaultDeviceScanAttempts bounds the poll loop waiting for
	// a device node to appear.
	DefaultDeviceScanAttempts = 5
	// DefaultLockFile serializes connect/disconnect across
	// processes: concurrent rescans of shared kernel state race
	// each other.
	DefaultLockFile = "/run/lock/brickd-connect.lock"
)

type options struct {
	scanAttempts int
	scanInterval time.Duration
	lockFile     string
	fs           afero.Afero
}

type Option func(*options)

// ScanAttempts overrides the number of device wait attempts.
func ScanAttempts(n int) Option {
	return func(o *options) { o.scanAttempts = n }
}

// ScanInterval overrides the base sleep of the device wait loop.
func ScanInterval(d time.Duration) Option {
	return func(o *options) { o.scanInterval = d }
}

// LockFile overrides the cross-process connect lock path.
func LockFile(path string) Option {
	return func(o *options) { o.lockFile = path }
}

// WithFs substitutes the filesystem used for sysfs and /dev access.
func WithFs(fs afero.Afero) Option {
	return func(o *options) { o.fs = fs }
}

func newOptions(opts []Option) *options {
	o := &options{
		scanAttempts: DefaultDeviceScanAttempts,
		scanInterval: time.Second,
		lockFile:     DefaultLockFile,
		fs:           afero.Afero{Fs: afero.NewOsFs()},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New returns the Connector for a driver volume type.
func New(driverVolumeType string, exec execx.Executor, opts ...Option) (Connector, error) {
	o := newOptions(opts)
	switch driverVolumeType {
	case "iscsi":
		return &ISCSIConnector{
			iscsi: iscsi.NewWithFs(exec, o.fs),
			scsi:  scsi.NewWithFs(exec, o.fs),
			opts:  o,
		}, nil
	case "fibre_channel":
		return &FibreChannelConnector{
			fc:   fibrechannel.NewWithFs(o.fs),
			scsi: scsi.NewWithFs(exec, o.fs),
			opts: o,
		}, nil
	case "local":
		return &LocalConnector{fs: o.fs}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, driverVolumeType)
}

// connectLock acquires the cross-process attach lock. Callers must
// release the returned lock.
func (o *options) connectLock() (*flock.Flock, error) {
	lock := flock.New(o.lockFile)
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	return lock, nil
}

// waitForPath polls for any of the candidate device paths, invoking
// rescan after each failed attempt. Sleeps grow quadratically with
// the attempt number, matching the behavior storage arrays are
// tuned for: most devices appear within the first second or two,
// stragglers can take tens of seconds.
func waitForPath(ctx context.Context, o *options, candidates func() []string, rescan func(last bool)) (string, error) {
	for tries := 0; tries < o.scanAttempts; tries++ {
		for _, path := range candidates() {
			if ok, _ := o.fs.Exists(path); ok {
				return path, nil
			}
		}
		log.WithFields(logrus.Fields{
			"tries": tries,
		}).Debug("volume device not yet found, rescanning")
		rescan(tries == o.scanAttempts-1)
		sleep := time.Duration(tries*tries) * o.scanInterval
		if sleep > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(sleep):
			}
		}
	}
	return "", ErrDeviceNotFound
}

// resolveMultipath maps a freshly attached path device to its
// multipath parent, waiting for the dm device to be assembled.
func resolveMultipath(ctx context.Context, o *options, s *scsi.Linux, devicePath string) (dmPath, multipathID string) {
	if !s.MultipathdRunning(ctx) {
		return "", ""
	}
	device, err := s.RealDeviceName(devicePath)
	if err != nil {
		return "", ""
	}
	var dm string
	for tries := 0; tries < o.scanAttempts; tries++ {
		dm = s.FindMultipathDeviceForDevice(ctx, device)
		if dm != "" {
			break
		}
		sleep := time.Duration(tries*tries) * o.scanInterval
		if sleep > 0 {
			select {
			case <-ctx.Done():
				return "", ""
			case <-time.After(sleep):
			}
		}
	}
	if dm == "" {
		log.WithField("device", device).Warn("multipath requested but no dm parent appeared, using single path")
		return "", ""
	}
	name, err := s.MultipathMapName(ctx, dm)
	if err != nil {
		return "", ""
	}
	return scsi.DevMapperRoot + name, name
}
