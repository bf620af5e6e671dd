package blk

// lsblk --bytes --json output. Older util-linux prints numbers and flags as
// strings, so those fields are decoded loosely.
type rawTree struct {
	Blockdevices []rawDevice `json:"blockdevices"`
}

type rawDevice struct {
	Name       string      `json:"name"`
	KName      string      `json:"kname"`
	Path       string      `json:"path"`
	Size       any         `json:"size"`
	Rota       any         `json:"rota,omitempty"`
	RO         any         `json:"ro,omitempty"`
	RM         any         `json:"rm,omitempty"`
	Type       string      `json:"type"`
	Tran       string      `json:"tran,omitempty"`
	Model      string      `json:"model,omitempty"`
	Serial     string      `json:"serial,omitempty"`
	Mountpoint *string     `json:"mountpoint,omitempty"`
	FSType     *string     `json:"fstype,omitempty"`
	UUID       *string     `json:"uuid,omitempty"`
	Children   []rawDevice `json:"children,omitempty"`
}

// Device is a block device with its children (partitions, mapper holders).
type Device struct {
	Name       string   `json:"name" yaml:"name"`
	Path       string   `json:"path" yaml:"path"`
	SizeBytes  uint64   `json:"sizeBytes" yaml:"sizeBytes"`
	Model      string   `json:"model,omitempty" yaml:"model,omitempty"`
	Serial     string   `json:"serial,omitempty" yaml:"serial,omitempty"`
	Tran       string   `json:"tran,omitempty" yaml:"tran,omitempty"`
	Rotational bool     `json:"rotational" yaml:"rotational"`
	ReadOnly   bool     `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
	Removable  bool     `json:"removable,omitempty" yaml:"removable,omitempty"`
	Type       string   `json:"type" yaml:"type"`
	FSType     string   `json:"fstype,omitempty" yaml:"fstype,omitempty"`
	UUID       string   `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Mountpoint string   `json:"mountpoint,omitempty" yaml:"mountpoint,omitempty"`
	Children   []Device `json:"children,omitempty" yaml:"children,omitempty"`
}

// Mounted reports whether the device or anything stacked on it is mounted.
func (d Device) Mounted() bool {
	if d.Mountpoint != "" {
		return true
	}
	for _, c := range d.Children {
		if c.Mounted() {
			return true
		}
	}
	return false
}

// Busy is true when the device is mounted or something holds it open, such as
// an opened crypt mapping or a partition in use.
func (d Device) Busy() bool {
	if d.Mountpoint != "" {
		return true
	}
	for _, c := range d.Children {
		if d.Type != "disk" || c.Busy() {
			return true
		}
	}
	return false
}
