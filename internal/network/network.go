// Package network brings up connectivity for online package sources.
package network

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

var ErrNoConnectivity = errors.New("no network connectivity")

type Connectivity string

const (
	Full    Connectivity = "full"
	Limited Connectivity = "limited"
	Portal  Connectivity = "portal"
	None    Connectivity = "none"
	Unknown Connectivity = "unknown"
)

const probeTimeout = 10 * time.Second

type Configurator struct {
	Runner shell.Runner
	Log    zerolog.Logger
	// Settle is how long to wait after enabling networking before probing
	// again; Reprobes bounds how many times.
	Settle   time.Duration
	Reprobes int
}

func New(r shell.Runner, log zerolog.Logger) *Configurator {
	return &Configurator{Runner: r, Log: log, Settle: 2 * time.Second, Reprobes: 3}
}

// Configure applies the network policy. Skip never probes, Attempt never
// fails and Required fails with ErrNoConnectivity.
func (c *Configurator) Configure(ctx context.Context, policy plan.NetworkPolicy) error {
	if policy == plan.NetworkSkip {
		c.Log.Info().Msg("network skipped")
		return nil
	}
	if c.Ready(ctx) {
		c.Log.Info().Msg("network ready")
		return nil
	}
	if _, err := c.Runner.Run(ctx, shell.Command("nmcli", "networking", "on").WithTimeout(probeTimeout)); err != nil {
		c.Log.Warn().Err(err).Msg("enable networking")
	}
	for i := 0; i < c.Reprobes; i++ {
		if c.Settle > 0 {
			select {
			case <-ctx.Done():
				return c.result(policy)
			case <-time.After(c.Settle):
			}
		}
		if c.Ready(ctx) {
			c.Log.Info().Int("reprobe", i+1).Msg("network ready")
			return nil
		}
	}
	return c.result(policy)
}

func (c *Configurator) result(policy plan.NetworkPolicy) error {
	if policy == plan.NetworkRequired {
		return ErrNoConnectivity
	}
	c.Log.Warn().Msg("continuing without network")
	return nil
}

// Status reports NetworkManager's connectivity state.
func (c *Configurator) Status(ctx context.Context) (Connectivity, error) {
	out, err := shell.Output(ctx, c.Runner, shell.Command("nmcli", "-t", "-f", "CONNECTIVITY", "networking", "connectivity").WithTimeout(probeTimeout))
	if err != nil {
		return Unknown, err
	}
	switch Connectivity(out) {
	case Full, Limited, Portal, None:
		return Connectivity(out), nil
	}
	return Unknown, nil
}

// Ready reports whether packages can be downloaded. Full and limited count as
// ready; an unknown state falls back to any connected device.
func (c *Configurator) Ready(ctx context.Context) bool {
	st, err := c.Status(ctx)
	if err != nil {
		c.Log.Debug().Err(err).Msg("connectivity probe failed")
		return false
	}
	switch st {
	case Full, Limited:
		return true
	case Portal, None:
		return false
	}
	devs, err := c.Connected(ctx)
	return err == nil && len(devs) > 0
}

// Connected lists connected devices as labels: "Wired" for ethernet,
// otherwise the connection name.
func (c *Configurator) Connected(ctx context.Context) ([]string, error) {
	out, err := shell.Output(ctx, c.Runner, shell.Command("nmcli", "-t", "-f", "TYPE,STATE,CONNECTION", "dev", "status").WithTimeout(probeTimeout))
	if err != nil {
		return nil, err
	}
	var labels []string
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[1]) != "connected" {
			continue
		}
		label := ""
		if len(parts) == 3 {
			label = strings.TrimSpace(parts[2])
		}
		if parts[0] == "ethernet" {
			label = "Wired"
		}
		if label != "" {
			labels = append(labels, label)
		}
	}
	return labels, nil
}
