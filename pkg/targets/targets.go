// Package targets administers iSCSI targets on the local host so
// that logical volumes can be exported to initiators. Each Admin
// wraps one target framework's management CLI.
package targets

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/mesosphere/brickd/pkg/execx"
)

var log = logrus.WithField("component", "targets")

// SetLogger configures the entry used for logging.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

type simpleError string

func (s simpleError) Error() string { return string(s) }

const (
	ErrUnsupportedHelper = simpleError("targets: unsupported target helper")
	ErrTargetNotCreated  = simpleError("targets: target did not appear after create")
	ErrTargetNotFound    = simpleError("targets: target not found")
)

// IQNPrefix is prepended to volume ids to form target names.
const IQNPrefix = "iqn.2010-10.org.openstack:"

// IQN returns the target name for a volume id.
func IQN(volumeID string) string {
	return IQNPrefix + "volume-" + volumeID
}

// CHAPCredentials protect a target. A nil *CHAPCredentials means the
// target accepts any initiator.
type CHAPCredentials struct {
	Username string
	Password string
}

// Admin creates and removes iSCSI targets for backing devices.
type Admin interface {
	// CreateTarget exports devicePath under the given target name
	// with the numeric target id tid.
	CreateTarget(ctx context.Context, tid int, iqn, devicePath string, chap *CHAPCredentials) error
	// RemoveTarget tears the target down.
	RemoveTarget(ctx context.Context, tid int, iqn string) error
	// AddInitiator grants an initiator access to the target.
	// Frameworks with open ACLs treat this as a no-op.
	AddInitiator(ctx context.Context, iqn, initiatorIQN string, chap *CHAPCredentials) error
	// HasTarget reports whether the target currently exists.
	HasTarget(ctx context.Context, iqn string) (bool, error)
	// ListTargets enumerates the targets the framework currently
	// exports, keyed by target name. Frameworks without numeric
	// target ids report tid 0.
	ListTargets(ctx context.Context) (map[string]int, error)
}

type options struct {
	configDir      string
	verifyInterval time.Duration
	fs             afero.Afero
}

type Option func(*options)

// ConfigDir overrides where per-target config files are written.
func ConfigDir(dir string) Option {
	return func(o *options) { o.configDir = dir }
}

// VerifyInterval overrides the delay between target create checks.
func VerifyInterval(d time.Duration) Option {
	return func(o *options) { o.verifyInterval = d }
}

// WithFs substitutes the filesystem used for config files.
func WithFs(fs afero.Afero) Option {
	return func(o *options) { o.fs = fs }
}

func newOptions(opts []Option) *options {
	o := &options{
		configDir:      "/var/lib/brickd/volumes",
		verifyInterval: 2 * time.Second,
		fs:             afero.Afero{Fs: afero.NewOsFs()},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New returns the Admin for a target helper name: "tgtadm", "ietadm"
// or "lioadm".
func New(helper string, exec execx.Executor, opts ...Option) (Admin, error) {
	o := newOptions(opts)
	switch helper {
	case "tgtadm":
		return &TgtAdm{exec: exec, opts: o}, nil
	case "ietadm":
		return &IetAdm{exec: exec, opts: o}, nil
	case "lioadm":
		return &LioAdm{exec: exec}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedHelper, helper)
}
