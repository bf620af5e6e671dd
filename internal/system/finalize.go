package system

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

// Closer closes an open encrypted mapping. luks.Encryptor satisfies it.
type Closer interface {
	Close(ctx context.Context, name string) error
}

// Services returns the units enabled in the target.
func Services(p *plan.Plan) []string {
	out := []string{"NetworkManager"}
	if p.DesktopSelected {
		out = append(out, "sddm")
	}
	return out
}

// Finalize enables services, saves the installer log and tears down every
// mount and the encrypted mapping. Teardown is best effort; all errors are
// returned together.
func (c *Configurator) Finalize(ctx context.Context, p *plan.Plan, closer Closer) error {
	root := p.MountRoot
	for _, svc := range Services(p) {
		if _, err := c.Runner.Run(ctx, shell.Chroot(root, "systemctl", "enable", svc)); err != nil {
			return fmt.Errorf("enable %s: %w", svc, err)
		}
	}
	c.copyLog(root)

	var errs *multierror.Error
	if _, err := c.Runner.Run(ctx, shell.Command("sync")); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.UnmountAll(ctx, p); err != nil {
		errs = multierror.Append(errs, err)
	}
	if p.Crypt != nil && closer != nil {
		if err := closer.Close(ctx, p.Crypt.Name); err != nil {
			errs = multierror.Append(errs, err)
		} else {
			p.Crypt = nil
		}
	}
	return errs.ErrorOrNil()
}

// UnmountAll unmounts the plan's mounts in reverse order. When any of them
// fails it retries with a recursive unmount of the target root. Unmounted
// paths are dropped from the plan.
func (c *Configurator) UnmountAll(ctx context.Context, p *plan.Plan) error {
	var errs *multierror.Error
	var left []string
	for i := len(p.Mounts) - 1; i >= 0; i-- {
		m := p.Mounts[i]
		if _, err := c.Runner.Run(ctx, shell.Command("umount", m)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("umount %s: %w", m, err))
			left = append([]string{m}, left...)
		}
	}
	p.Mounts = left
	if len(left) > 0 {
		if _, err := c.Runner.Run(ctx, shell.Command("umount", "-R", p.MountRoot)); err != nil {
			errs = multierror.Append(errs, err)
		} else {
			p.Mounts = nil
			errs = nil
		}
	}
	return errs.ErrorOrNil()
}

func (c *Configurator) copyLog(root string) {
	src := c.HostLog
	if src == "" {
		return
	}
	data, err := os.ReadFile(src)
	if err != nil {
		c.Log.Debug().Err(err).Msg("installer log not copied")
		return
	}
	if err := writeTarget(root, TargetLog, string(data), 0o600); err != nil {
		c.Log.Warn().Err(err).Msg("save installer log")
		return
	}
	c.Log.Info().Str("path", TargetLog).Msg("installer log saved to target")
}
