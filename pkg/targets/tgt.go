package targets

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/mesosphere/brickd/pkg/execx"
)

// TgtAdm drives the tgt framework. Targets are described by per-volume
// config files under the config dir; tgt-admin reads them on update.
type TgtAdm struct {
	exec execx.Executor
	opts *options
}

func (t *TgtAdm) configPath(iqn string) string {
	// iqn.2010-10.org.openstack:volume-<id> -> volume-<id>
	name := iqn
	if i := strings.LastIndex(iqn, ":"); i >= 0 {
		name = iqn[i+1:]
	}
	return filepath.Join(t.opts.configDir, name)
}

func (t *TgtAdm) writeConfig(iqn, devicePath string, chap *CHAPCredentials) error {
	var b strings.Builder
	fmt.Fprintf(&b, "<target %s>\n", iqn)
	fmt.Fprintf(&b, "    backing-store %s\n", devicePath)
	fmt.Fprintf(&b, "    driver iscsi\n")
	if chap != nil {
		fmt.Fprintf(&b, "    incominguser %s %s\n", chap.Username, chap.Password)
	}
	fmt.Fprintf(&b, "    write-cache on\n")
	fmt.Fprintf(&b, "</target>\n")
	if err := t.opts.fs.MkdirAll(t.opts.configDir, 0o750); err != nil {
		return err
	}
	return t.opts.fs.WriteFile(t.configPath(iqn), []byte(b.String()), 0o600)
}

func (t *TgtAdm) CreateTarget(ctx context.Context, tid int, iqn, devicePath string, chap *CHAPCredentials) error {
	log.WithField("iqn", iqn).Info("creating tgt target")
	if err := t.writeConfig(iqn, devicePath, chap); err != nil {
		return fmt.Errorf("targets: write tgt config: %w", err)
	}
	if _, err := t.exec.Execute(ctx, "tgt-admin", "--update", iqn); err != nil {
		return fmt.Errorf("targets: tgt-admin update: %w", err)
	}
	// tgtd picks the config up asynchronously. Poll the show output
	// until the target is listed.
	check := func() error {
		ok, err := t.HasTarget(ctx, iqn)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrTargetNotCreated
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(t.opts.verifyInterval), 3), ctx)
	if err := backoff.Retry(check, policy); err != nil {
		return err
	}
	return nil
}

func (t *TgtAdm) RemoveTarget(ctx context.Context, tid int, iqn string) error {
	log.WithField("iqn", iqn).Info("removing tgt target")
	if _, err := t.exec.Execute(ctx, "tgt-admin", "--force", "--delete", iqn); err != nil {
		return fmt.Errorf("targets: tgt-admin delete: %w", err)
	}
	if err := t.opts.fs.Remove(t.configPath(iqn)); err != nil {
		log.WithField("iqn", iqn).WithField("error", err).Warn("could not remove tgt config file")
	}
	return nil
}

// AddInitiator is a no-op: tgt ACLs are open unless CHAP is set in
// the target config.
func (t *TgtAdm) AddInitiator(ctx context.Context, iqn, initiatorIQN string, chap *CHAPCredentials) error {
	return nil
}

func (t *TgtAdm) HasTarget(ctx context.Context, iqn string) (bool, error) {
	live, err := t.ListTargets(ctx)
	if err != nil {
		return false, err
	}
	_, ok := live[iqn]
	return ok, nil
}

// ListTargets parses the "Target <tid>: <iqn>" headers from the show
// output.
func (t *TgtAdm) ListTargets(ctx context.Context) (map[string]int, error) {
	out, err := t.exec.Execute(ctx, "tgtadm", "--lld", "iscsi", "--op", "show", "--mode", "target")
	if err != nil {
		return nil, err
	}
	live := map[string]int{}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Target ") {
			continue
		}
		tidField, iqn, ok := strings.Cut(strings.TrimPrefix(line, "Target "), ":")
		if !ok {
			continue
		}
		tid, err := strconv.Atoi(strings.TrimSpace(tidField))
		if err != nil {
			continue
		}
		live[strings.TrimSpace(iqn)] = tid
	}
	return live, nil
}
