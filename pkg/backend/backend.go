// Package backend defines the volume driver interface the daemon
// serves, and the drivers for the supported storage systems. A
// Driver owns volume lifecycle on one backend; attach is split: the
// driver exports a volume for an initiator and hands back connection
// properties, the connector package turns those into a local device.
package backend

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/mesosphere/brickd/pkg/config"
	"github.com/mesosphere/brickd/pkg/connector"
	"github.com/mesosphere/brickd/pkg/execx"
)

var log = logrus.WithField("component", "backend")

// SetLogger configures the entry used for logging.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

type simpleError string

func (s simpleError) Error() string { return string(s) }

const (
	ErrVolumeNotFound    = simpleError("backend: volume not found")
	ErrSnapshotNotFound  = simpleError("backend: snapshot not found")
	ErrUnknownBackend    = simpleError("backend: unknown backend name")
	ErrVolumeInUse       = simpleError("backend: volume is published")
	ErrSnapshotHasClones = simpleError("backend: snapshot has dependent clones")
)

// Volume is a provisioned volume on the backend.
type Volume struct {
	ID        string
	SizeBytes int64
}

// Snapshot is a point-in-time copy of a volume.
type Snapshot struct {
	ID             string
	SourceVolumeID string
	SizeBytes      int64
}

// Driver provisions volumes and exports them to initiators.
type Driver interface {
	CreateVolume(ctx context.Context, name string, sizeBytes int64) (*Volume, error)
	DeleteVolume(ctx context.Context, volumeID string) error
	GetVolume(ctx context.Context, volumeID string) (*Volume, error)
	ListVolumes(ctx context.Context) ([]*Volume, error)
	ExtendVolume(ctx context.Context, volumeID string, sizeBytes int64) error

	CreateSnapshot(ctx context.Context, volumeID, name string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
	ListSnapshots(ctx context.Context) ([]*Snapshot, error)
	CreateVolumeFromSnapshot(ctx context.Context, snapshotID, name string, sizeBytes int64) (*Volume, error)
	CloneVolume(ctx context.Context, sourceVolumeID, name string, sizeBytes int64) (*Volume, error)

	// GetCapacity reports total and free bytes on the backing pool.
	GetCapacity(ctx context.Context) (total, free int64, err error)

	// PublishVolume exports the volume to the initiator and
	// returns the properties a connector needs to attach it.
	PublishVolume(ctx context.Context, volumeID, initiatorIQN string) (*connector.ConnectionProperties, error)
	// UnpublishVolume revokes the initiator's access.
	UnpublishVolume(ctx context.Context, volumeID, initiatorIQN string) error
}

// Factory builds a Driver from the daemon config.
type Factory func(cfg *config.Config, exec execx.Executor) (Driver, error)

var factories = map[string]Factory{}

// Register adds a named backend. Called from driver init functions.
func Register(name string, factory Factory) {
	if _, ok := factories[name]; ok {
		panic(fmt.Sprintf("backend: %q registered twice", name))
	}
	factories[name] = factory
}

// Names lists the registered backends.
func Names() []string {
	var names []string
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the backend the config names.
func New(cfg *config.Config, exec execx.Executor) (Driver, error) {
	factory, ok := factories[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	return factory(cfg, exec)
}
