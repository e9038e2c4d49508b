package infra

import (
	"context"
	"errors"
	"os/exec"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// SystemdQuerier implements domain.ServiceQuerier with `systemctl --quiet`.
// Exit status 0 means yes; any other exit status means no. Only a failure to
// run systemctl at all is reported as an error.
type SystemdQuerier struct {
	unit      string
	systemctl string
}

// NewSystemdQuerier creates a querier for unit.
func NewSystemdQuerier(unit string) *SystemdQuerier {
	return &SystemdQuerier{unit: unit, systemctl: "systemctl"}
}

// IsEnabled runs `systemctl is-enabled --quiet <unit>`.
func (q *SystemdQuerier) IsEnabled(ctx context.Context) (bool, error) {
	return q.check(ctx, "is-enabled")
}

// IsActive runs `systemctl is-active --quiet <unit>`.
func (q *SystemdQuerier) IsActive(ctx context.Context) (bool, error) {
	return q.check(ctx, "is-active")
}

// Unit returns the unit name.
func (q *SystemdQuerier) Unit() string {
	return q.unit
}

func (q *SystemdQuerier) check(ctx context.Context, verb string) (bool, error) {
	cmd := exec.CommandContext(ctx, q.systemctl, verb, "--quiet", q.unit)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// Ensure SystemdQuerier implements domain.ServiceQuerier.
var _ domain.ServiceQuerier = (*SystemdQuerier)(nil)
