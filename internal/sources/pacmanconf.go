package sources

import (
	"fmt"
	"strings"

	"github.com/nebulalinux/nebula-installer/internal/plan"
)

const VendorRepoServer = "https://pkgs.nebulalinux.com/stable/$arch"

const confOptions = `[options]
HoldPkg     = pacman glibc
Architecture = auto
ParallelDownloads = 5
SigLevel = Required DatabaseOptional
LocalFileSigLevel = Optional
`

// OfflineConf renders a pacman.conf that only knows the offline repository.
func OfflineConf(src plan.Source) string {
	var b strings.Builder
	b.WriteString(confOptions)
	b.WriteString("\n")
	writeOfflineRepo(&b, src)
	return b.String()
}

// HybridConf renders a pacman.conf with the offline repository first and the
// online repositories behind it.
func HybridConf(src plan.Source, includeVendorRepo bool) string {
	var b strings.Builder
	b.WriteString(confOptions)
	b.WriteString("\n")
	if src.Kind == plan.SourceOffline {
		writeOfflineRepo(&b, src)
		b.WriteString("\n")
	}
	if includeVendorRepo {
		fmt.Fprintf(&b, "[nebula]\nSigLevel = Required DatabaseOptional\nServer = %s\n\n", VendorRepoServer)
	}
	for i, repo := range []string{"core", "extra", "multilib"} {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\nInclude = /etc/pacman.d/mirrorlist\n", repo)
	}
	return b.String()
}

func writeOfflineRepo(b *strings.Builder, src plan.Source) {
	path := src.Path
	if path == "" {
		path = DefaultOfflineRepo
	}
	fmt.Fprintf(b, "[%s]\n", OfflineRepoName)
	if src.Verified {
		b.WriteString("SigLevel = Optional TrustedOnly\n")
	} else {
		b.WriteString("SigLevel = Optional TrustAll\n")
	}
	fmt.Fprintf(b, "Server = file://%s\n", path)
}
