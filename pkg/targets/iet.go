package targets

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mesosphere/brickd/pkg/execx"
)

// IetAdm drives the iSCSI Enterprise Target framework. Targets are
// addressed by numeric tid; the LUN is always exported at 0.
type IetAdm struct {
	exec execx.Executor
	opts *options
}

func (a *IetAdm) ietadm(ctx context.Context, args ...string) error {
	_, err := a.exec.Execute(ctx, "ietadm", args...)
	return err
}

func (a *IetAdm) CreateTarget(ctx context.Context, tid int, iqn, devicePath string, chap *CHAPCredentials) error {
	log.WithField("iqn", iqn).Info("creating iet target")
	if err := a.ietadm(ctx, "--op", "new", "--tid="+strconv.Itoa(tid),
		"--params", "Name="+iqn); err != nil {
		return fmt.Errorf("targets: ietadm new target: %w", err)
	}
	if err := a.ietadm(ctx, "--op", "new", "--tid="+strconv.Itoa(tid), "--lun=0",
		"--params", "Path="+devicePath+",Type=fileio"); err != nil {
		return fmt.Errorf("targets: ietadm new lun: %w", err)
	}
	if chap != nil {
		if err := a.ietadm(ctx, "--op", "new", "--tid="+strconv.Itoa(tid), "--user",
			"--params", "IncomingUser="+chap.Username+",Password="+chap.Password); err != nil {
			return fmt.Errorf("targets: ietadm chap: %w", err)
		}
	}
	return nil
}

func (a *IetAdm) RemoveTarget(ctx context.Context, tid int, iqn string) error {
	log.WithField("iqn", iqn).Info("removing iet target")
	if err := a.ietadm(ctx, "--op", "delete", "--tid="+strconv.Itoa(tid)); err != nil {
		return fmt.Errorf("targets: ietadm delete: %w", err)
	}
	return nil
}

// AddInitiator is a no-op: iet access control lives in initiators.allow,
// not in the management protocol.
func (a *IetAdm) AddInitiator(ctx context.Context, iqn, initiatorIQN string, chap *CHAPCredentials) error {
	return nil
}

// HasTarget checks the kernel's view of configured targets.
func (a *IetAdm) HasTarget(ctx context.Context, iqn string) (bool, error) {
	live, err := a.ListTargets(ctx)
	if err != nil {
		return false, err
	}
	_, ok := live[iqn]
	return ok, nil
}

// ListTargets reads /proc/net/iet/volume. Each target stanza starts
// with "tid:N name:<iqn>".
func (a *IetAdm) ListTargets(ctx context.Context) (map[string]int, error) {
	buf, err := a.opts.fs.ReadFile("/proc/net/iet/volume")
	if err != nil {
		return nil, err
	}
	live := map[string]int{}
	for _, line := range strings.Split(string(buf), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "tid:") {
			continue
		}
		tid, err := strconv.Atoi(strings.TrimPrefix(fields[0], "tid:"))
		if err != nil {
			continue
		}
		name := strings.TrimPrefix(fields[1], "name:")
		if name == fields[1] {
			continue
		}
		live[name] = tid
	}
	return live, nil
}
