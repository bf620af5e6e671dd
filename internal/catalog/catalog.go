// Package catalog loads the package lists and application choices shipped
// inside the installer binary.
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xeipuuv/gojsonschema"

	"github.com/nebulalinux/nebula-installer/internal/plan"
)

//go:embed catalog.toml
var defaultCatalog []byte

//go:embed schema.json
var schema []byte

var (
	ErrInvalidCatalog = errors.New("invalid catalog")
	ErrUnknownChoice  = errors.New("unknown selection")
)

type Choice struct {
	Label  string   `toml:"label" json:"label"`
	Pacman []string `toml:"pacman" json:"pacman,omitempty"`
	Yay    []string `toml:"yay" json:"yay,omitempty"`
}

// Packages lists every package the choice pulls in.
func (c Choice) Packages() []string {
	return append(append([]string{}, c.Pacman...), c.Yay...)
}

type Catalog struct {
	Packages struct {
		Required []string `toml:"required" json:"required"`
		Hyprland []string `toml:"hyprland" json:"hyprland"`
	} `toml:"packages" json:"packages"`
	Selections struct {
		Compositors []string `toml:"compositors" json:"compositors"`
		Browsers    []Choice `toml:"browsers" json:"browsers"`
		Editors     []Choice `toml:"editors" json:"editors"`
		Terminals   []Choice `toml:"terminals" json:"terminals"`
	} `toml:"selections" json:"selections"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) { return Parse(defaultCatalog) }

// Parse decodes a TOML catalog and validates it against the schema.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidCatalog, strings.Join(keys, ", "))
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidCatalog, strings.Join(msgs, "; "))
	}
	return nil
}

// Selection holds the labels picked by the operator per category.
type Selection struct {
	Compositors []string `json:"compositors,omitempty" yaml:"compositors,omitempty"`
	Browsers    []string `json:"browsers,omitempty" yaml:"browsers,omitempty"`
	Editors     []string `json:"editors,omitempty" yaml:"editors,omitempty"`
	Terminals   []string `json:"terminals,omitempty" yaml:"terminals,omitempty"`
}

// Resolved is the package split derived from a selection.
type Resolved struct {
	Required []string
	Optional []string
	// NeedsVendorRepo is set when an optional package is only published in
	// the vendor repository.
	NeedsVendorRepo bool
	Desktop         bool
}

// Resolve maps a selection to packages. The first compositor is always
// installed.
func (c *Catalog) Resolve(sel Selection) (Resolved, error) {
	var r Resolved
	required := append([]string{}, c.Packages.Required...)

	comps := sel.Compositors
	if len(comps) == 0 {
		comps = c.Selections.Compositors[:1]
	}
	for _, label := range comps {
		if !containsFold(c.Selections.Compositors, label) {
			return Resolved{}, fmt.Errorf("%w: compositor %q", ErrUnknownChoice, label)
		}
		if strings.EqualFold(label, "hyprland") {
			required = append(required, c.Packages.Hyprland...)
		}
	}
	r.Required = plan.Dedup(required)

	var optional []string
	for _, cat := range []struct {
		name    string
		labels  []string
		choices []Choice
	}{
		{"browser", sel.Browsers, c.Selections.Browsers},
		{"editor", sel.Editors, c.Selections.Editors},
		{"terminal", sel.Terminals, c.Selections.Terminals},
	} {
		for _, label := range cat.labels {
			ch, ok := find(cat.choices, label)
			if !ok {
				return Resolved{}, fmt.Errorf("%w: %s %q", ErrUnknownChoice, cat.name, label)
			}
			optional = append(optional, ch.Packages()...)
			if len(ch.Yay) > 0 {
				r.NeedsVendorRepo = true
			}
		}
	}
	r.Optional = plan.Dedup(optional)
	for _, p := range r.Optional {
		if p == "yay" || p == "yay-bin" {
			r.NeedsVendorRepo = true
		}
	}
	r.Desktop = containsFold(r.Required, "sddm")
	return r, nil
}

// Labels returns the labels of choices, in catalog order.
func Labels(choices []Choice) []string {
	out := make([]string, len(choices))
	for i, c := range choices {
		out[i] = c.Label
	}
	return out
}

func find(choices []Choice, label string) (Choice, bool) {
	for _, c := range choices {
		if strings.EqualFold(c.Label, strings.TrimSpace(label)) {
			return c, true
		}
	}
	return Choice{}, false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}
