package system

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulalinux/nebula-installer/internal/plan"
	"github.com/nebulalinux/nebula-installer/pkg/shell/shelltest"
)

type recordingCloser struct {
	names []string
	err   error
}

func (r *recordingCloser) Close(_ context.Context, name string) error {
	r.names = append(r.names, name)
	return r.err
}

func TestFinalize(t *testing.T) {
	f := shelltest.New()
	c := newConfigurator(t, f)
	c.HostLog = filepath.Join(t.TempDir(), "nebula-installer.log")
	require.NoError(t, os.WriteFile(c.HostLog, []byte("log line\n"), 0o644))

	p := newPlan(t)
	root := p.MountRoot
	p.DesktopSelected = true
	p.Mounts = []string{root, root + "/home", root + "/boot", root + "/opt/nebula-repo"}
	p.Crypt = &plan.CryptDevice{Name: "cryptroot"}
	closer := &recordingCloser{}

	require.NoError(t, c.Finalize(context.Background(), p, closer))
	assert.Equal(t, []string{
		"arch-chroot " + root + " systemctl enable NetworkManager",
		"arch-chroot " + root + " systemctl enable sddm",
		"sync",
		"umount " + root + "/opt/nebula-repo",
		"umount " + root + "/boot",
		"umount " + root + "/home",
		"umount " + root,
	}, f.Lines())
	assert.Equal(t, "log line\n", read(t, filepath.Join(root, TargetLog)))
	assert.Equal(t, []string{"cryptroot"}, closer.names)
	assert.Nil(t, p.Crypt)
	assert.Empty(t, p.Mounts)
}

func TestFinalizeTeardownIsBestEffort(t *testing.T) {
	f := shelltest.New().
		On("umount /x/home", "", errors.New("target is busy")).
		On("umount -R", "", errors.New("target is busy"))
	c := newConfigurator(t, f)
	p := newPlan(t)
	p.MountRoot = "/x"
	p.Mounts = []string{"/x", "/x/home"}
	p.Crypt = &plan.CryptDevice{Name: "cryptroot"}
	closer := &recordingCloser{err: errors.New("still in use")}

	err := c.Finalize(context.Background(), p, closer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target is busy")
	assert.Contains(t, err.Error(), "still in use")
	assert.Equal(t, []string{"/x/home"}, p.Mounts)
	assert.NotNil(t, p.Crypt)
	assert.Equal(t, []string{"cryptroot"}, closer.names)
}

func TestUnmountAllFallsBackToRecursive(t *testing.T) {
	f := shelltest.New().On("umount /x/home", "", errors.New("busy"))
	c := newConfigurator(t, f)
	p := newPlan(t)
	p.MountRoot = "/x"
	p.Mounts = []string{"/x", "/x/home"}
	require.NoError(t, c.UnmountAll(context.Background(), p))
	assert.Equal(t, []string{"umount /x/home", "umount /x", "umount -R /x"}, f.Lines())
	assert.Empty(t, p.Mounts)
}

func TestFinalizeServiceFailureStops(t *testing.T) {
	f := shelltest.New().On("arch-chroot", "", errors.New("unit not found"))
	c := newConfigurator(t, f)
	p := newPlan(t)
	p.Mounts = []string{p.MountRoot}
	require.Error(t, c.Finalize(context.Background(), p, nil))
	assert.Equal(t, -1, f.Index("umount"))
	assert.Equal(t, []string{p.MountRoot}, p.Mounts)
}
