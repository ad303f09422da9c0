package targets

import (
	"context"
	"fmt"
	"strings"

	"github.com/mesosphere/brickd/pkg/execx"
)

// LioAdm drives the kernel LIO target through the brickd-rtstool
// helper. LIO ACLs are closed, so every initiator must be added
// explicitly before it can log in.
type LioAdm struct {
	exec execx.Executor
}

func (a *LioAdm) rtstool(ctx context.Context, args ...string) ([]byte, error) {
	return a.exec.Execute(ctx, "brickd-rtstool", args...)
}

func (a *LioAdm) CreateTarget(ctx context.Context, tid int, iqn, devicePath string, chap *CHAPCredentials) error {
	log.WithField("iqn", iqn).Info("creating LIO target")
	user, password := "", ""
	if chap != nil {
		user, password = chap.Username, chap.Password
	}
	if _, err := a.rtstool(ctx, "create", devicePath, iqn, user, password); err != nil {
		return fmt.Errorf("targets: rtstool create: %w", err)
	}
	return nil
}

func (a *LioAdm) RemoveTarget(ctx context.Context, tid int, iqn string) error {
	log.WithField("iqn", iqn).Info("removing LIO target")
	if _, err := a.rtstool(ctx, "delete", iqn); err != nil {
		return fmt.Errorf("targets: rtstool delete: %w", err)
	}
	return nil
}

func (a *LioAdm) AddInitiator(ctx context.Context, iqn, initiatorIQN string, chap *CHAPCredentials) error {
	user, password := "", ""
	if chap != nil {
		user, password = chap.Username, chap.Password
	}
	if _, err := a.rtstool(ctx, "add-initiator", iqn, user, password, initiatorIQN); err != nil {
		return fmt.Errorf("targets: rtstool add-initiator: %w", err)
	}
	return nil
}

func (a *LioAdm) HasTarget(ctx context.Context, iqn string) (bool, error) {
	live, err := a.ListTargets(ctx)
	if err != nil {
		return false, err
	}
	_, ok := live[iqn]
	return ok, nil
}

// ListTargets lists the configured target names. LIO does not number
// targets, so every tid is 0.
func (a *LioAdm) ListTargets(ctx context.Context) (map[string]int, error) {
	out, err := a.rtstool(ctx, "get-targets")
	if err != nil {
		return nil, err
	}
	live := map[string]int{}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		live[line] = 0
	}
	return live, nil
}
