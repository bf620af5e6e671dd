package blk

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulalinux/nebula-installer/pkg/shell"
	"github.com/nebulalinux/nebula-installer/pkg/shell/shelltest"
)

func fixture(t *testing.T) []byte {
	t.Helper()
	b, err := os.ReadFile("testdata/lsblk.json")
	require.NoError(t, err)
	return b
}

func TestNormalizeSize(t *testing.T) {
	assert.Equal(t, uint64(8589934592), normalizeSize(json.Number("8589934592")))
	assert.Equal(t, uint64(2004877312), normalizeSize("2004877312"))
	assert.Equal(t, uint64(0), normalizeSize(-1.0))
	assert.Equal(t, uint64(0), normalizeSize(nil))
}

func TestParseFixture(t *testing.T) {
	devs, err := Parse(fixture(t))
	require.NoError(t, err)
	require.Len(t, devs, 4)

	usb := devs[1]
	assert.True(t, usb.Rotational)
	assert.True(t, usb.Removable)
	assert.Equal(t, "Cruzer Blade", usb.Model)
	assert.True(t, usb.Mounted())
	assert.True(t, usb.Busy())

	nvme := devs[2]
	assert.False(t, nvme.Rotational)
	assert.False(t, nvme.Mounted())
	assert.True(t, nvme.Busy(), "open crypt mapping holds the disk")
	assert.Equal(t, "crypto_LUKS", nvme.Children[1].FSType)
	assert.Equal(t, "/dev/mapper/cryptroot", nvme.Children[1].Children[0].Path)

	assert.False(t, devs[3].Busy())
}

func TestCandidates(t *testing.T) {
	devs, err := Parse(fixture(t))
	require.NoError(t, err)
	var names []string
	for _, d := range Candidates(devs, 4<<30) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"nvme0n1", "vda"}, names)
	assert.Len(t, Candidates(devs, 20<<30), 1)
}

func TestInspect(t *testing.T) {
	f := shelltest.New().
		On("lsblk", `{"blockdevices":[{"name":"vda","path":"/dev/vda","size":42949672960,"rota":true,"type":"disk"}]}`, nil)
	d, err := Inspect(context.Background(), f, "/dev/vda")
	require.NoError(t, err)
	assert.Equal(t, uint64(40<<30), d.SizeBytes)
	assert.Equal(t, "lsblk --bytes --json -o NAME,KNAME,PATH,SIZE,ROTA,RO,RM,TYPE,TRAN,MODEL,SERIAL,MOUNTPOINT,FSTYPE,UUID /dev/vda", f.Lines()[0])
}

func TestInspectMissingDevice(t *testing.T) {
	f := shelltest.New().On("lsblk", "", &shell.ExitError{Cmd: "lsblk", Code: 32, Stderr: "not a block device"})
	_, err := Inspect(context.Background(), f, "/dev/nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUUID(t *testing.T) {
	f := shelltest.New().On("blkid -s UUID -o value /dev/vda2", "1234-abcd\n", nil)
	u, err := UUID(context.Background(), f, "/dev/vda2")
	require.NoError(t, err)
	assert.Equal(t, "1234-abcd", u)

	_, err = UUID(context.Background(), shelltest.New(), "/dev/vda3")
	assert.Error(t, err)
}
