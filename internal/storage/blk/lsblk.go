package blk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nebulalinux/nebula-installer/pkg/shell"
)

var (
	ErrNotFound = errors.New("block device not found")
	ErrNoDisks  = errors.New("no installable disks found")
)

var lsblkColumns = []string{"--bytes", "--json", "-o", "NAME,KNAME,PATH,SIZE,ROTA,RO,RM,TYPE,TRAN,MODEL,SERIAL,MOUNTPOINT,FSTYPE,UUID"}

const lsblkTimeout = 5 * time.Second

// List returns every top-level block device with its children.
func List(ctx context.Context, r shell.Runner) ([]Device, error) {
	return lsblk(ctx, r)
}

// Inspect returns a single device and its children.
func Inspect(ctx context.Context, r shell.Runner, path string) (Device, error) {
	devs, err := lsblk(ctx, r, path)
	if err != nil {
		var ee *shell.ExitError
		if errors.As(err, &ee) {
			return Device{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Device{}, err
	}
	if len(devs) == 0 {
		return Device{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return devs[0], nil
}

// Candidates filters devs down to disks an install may target: whole,
// writable, non-virtual disks at least minBytes large.
func Candidates(devs []Device, minBytes uint64) []Device {
	out := []Device{}
	for _, d := range devs {
		if d.Type != "disk" || d.ReadOnly {
			continue
		}
		if strings.HasPrefix(d.Name, "loop") || strings.HasPrefix(d.Name, "ram") || strings.HasPrefix(d.Name, "zram") {
			continue
		}
		if d.SizeBytes < minBytes {
			continue
		}
		out = append(out, d)
	}
	return out
}

// UUID returns the filesystem or LUKS UUID of dev.
func UUID(ctx context.Context, r shell.Runner, dev string) (string, error) {
	out, err := shell.Output(ctx, r, shell.Command("blkid", "-s", "UUID", "-o", "value", dev))
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("no UUID on %s", dev)
	}
	return out, nil
}

func lsblk(ctx context.Context, r shell.Runner, paths ...string) ([]Device, error) {
	args := append(append([]string{}, lsblkColumns...), paths...)
	res, err := r.Run(ctx, shell.Command("lsblk", args...).WithTimeout(lsblkTimeout))
	if err != nil {
		return nil, err
	}
	return Parse(res.Stdout)
}

// Parse decodes lsblk --json output.
func Parse(data []byte) ([]Device, error) {
	var tree rawTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("lsblk json: %w", err)
	}
	out := make([]Device, 0, len(tree.Blockdevices))
	for _, bd := range tree.Blockdevices {
		out = append(out, convert(bd))
	}
	return out, nil
}

func convert(n rawDevice) Device {
	d := Device{
		Name:       n.Name,
		Path:       firstNonEmpty(n.Path, "/dev/"+n.Name),
		SizeBytes:  normalizeSize(n.Size),
		Model:      strings.TrimSpace(n.Model),
		Serial:     n.Serial,
		Tran:       n.Tran,
		Rotational: normalizeBool(n.Rota),
		ReadOnly:   normalizeBool(n.RO),
		Removable:  normalizeBool(n.RM),
		Type:       n.Type,
		FSType:     deref(n.FSType),
		UUID:       deref(n.UUID),
		Mountpoint: deref(n.Mountpoint),
	}
	for _, c := range n.Children {
		d.Children = append(d.Children, convert(c))
	}
	return d
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func normalizeSize(v any) uint64 {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	case json.Number:
		n, _ := t.Int64()
		if n < 0 {
			return 0
		}
		return uint64(n)
	default:
		return 0
	}
}

func normalizeBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	case float64:
		return t != 0
	default:
		return false
	}
}
