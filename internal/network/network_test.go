package network

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell/shelltest"
)

const connectivityCmd = "nmcli -t -f CONNECTIVITY networking connectivity"

func newConfigurator(f *shelltest.Fake) *Configurator {
	c := New(f, zerolog.Nop())
	c.Settle = 0
	return c
}

func TestSkipNeverProbes(t *testing.T) {
	f := shelltest.New()
	require.NoError(t, newConfigurator(f).Configure(context.Background(), plan.NetworkSkip))
	assert.Empty(t, f.Calls)
}

func TestReadyStates(t *testing.T) {
	cases := map[string]bool{"full": true, "limited": true, "portal": false, "none": false}
	for state, want := range cases {
		f := shelltest.New().On(connectivityCmd, state+"\n", nil)
		assert.Equal(t, want, newConfigurator(f).Ready(context.Background()), state)
		assert.Equal(t, -1, f.Index("nmcli -t -f TYPE,STATE,CONNECTION"))
	}
}

func TestUnknownFallsBackToDevices(t *testing.T) {
	f := shelltest.New().
		On(connectivityCmd, "unknown", nil).
		On("nmcli -t -f TYPE,STATE,CONNECTION dev status", "wifi:disconnected:\nethernet:connected:Wired connection 1\nloopback:connected (externally):lo\n", nil)
	c := newConfigurator(f)
	assert.True(t, c.Ready(context.Background()))
	devs, err := c.Connected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Wired"}, devs)
}

func TestRequiredWithoutConnectivity(t *testing.T) {
	f := shelltest.New().On(connectivityCmd, "none", nil)
	err := newConfigurator(f).Configure(context.Background(), plan.NetworkRequired)
	assert.ErrorIs(t, err, ErrNoConnectivity)
	assert.GreaterOrEqual(t, f.Index("nmcli networking on"), 0)
}

func TestAttemptNeverFails(t *testing.T) {
	f := shelltest.New().On("nmcli", "", errors.New("nmcli missing"))
	require.NoError(t, newConfigurator(f).Configure(context.Background(), plan.NetworkAttempt))
}

func TestAttemptRecoversAfterEnable(t *testing.T) {
	f := shelltest.New().
		On(connectivityCmd, "full", nil).
		OnTimes(connectivityCmd, "none", nil, 1)
	c := newConfigurator(f)
	require.NoError(t, c.Configure(context.Background(), plan.NetworkRequired))
	lines := f.Lines()
	assert.Equal(t, []string{connectivityCmd, "nmcli networking on", connectivityCmd}, lines)
}
