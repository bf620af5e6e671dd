// Package sources decides where packages are installed from.
package sources

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nebulalinux/nebula-installer/internal/plan"
)

const (
	DefaultOfflineRepo = "/opt/nebula-repo"
	DefaultKeyName     = "nebula-repo.gpg"
	DefaultFallbackKey = "/usr/share/nebula/nebula-repo.gpg"
	DefaultMirrorlist  = "Server = https://mirror.nebulalinux.com/stable/$repo/os/$arch\n"
	OfflineRepoName    = "nebula-offline"
)

var (
	ErrMissingOfflineRepository = errors.New("offline-only install requested but no offline repository is available")
	ErrNoSourcesAvailable       = errors.New("no package sources available")
)

type Request struct {
	Policy      plan.NetworkPolicy
	OfflineOnly bool
	// SkipOffline ignores the offline repository even when present.
	SkipOffline bool
	OfflineRepo string
	KeyName     string
	FallbackKey string
	MirrorURL   string
	Mirrorlist  string
	// DefaultMirrorlist is the mirrorlist shipped on the medium.
	DefaultMirrorlist string
}

type Resolver struct {
	Log zerolog.Logger
}

func NewResolver(log zerolog.Logger) *Resolver { return &Resolver{Log: log} }

// Resolve returns the ordered package sources: offline first, then online.
func (r *Resolver) Resolve(req Request) ([]plan.Source, error) {
	var out []plan.Source

	offline, ok := r.offline(req)
	if ok {
		out = append(out, offline)
	}

	if req.OfflineOnly {
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingOfflineRepository, repoPath(req))
		}
		r.Log.Info().Str("repo", offline.Path).Msg("offline-only package source")
		return out, nil
	}

	online := onlineSource(req)
	out = append(out, online)
	if req.Policy == plan.NetworkSkip {
		r.Log.Warn().Msg("network skipped but an online source was resolved; it is only reachable if connectivity appears")
	}
	r.Log.Info().Int("count", len(out)).Bool("offline", ok).Str("online_origin", string(online.Origin)).Msg("package sources resolved")

	if len(out) == 0 {
		return nil, ErrNoSourcesAvailable
	}
	return out, nil
}

func repoPath(req Request) string {
	if strings.TrimSpace(req.OfflineRepo) == "" {
		return DefaultOfflineRepo
	}
	return req.OfflineRepo
}

func (r *Resolver) offline(req Request) (plan.Source, bool) {
	if req.SkipOffline {
		r.Log.Info().Msg("offline repository skipped by configuration")
		return plan.Source{}, false
	}
	path := repoPath(req)
	if !UsableRepo(path) {
		r.Log.Debug().Str("repo", path).Msg("no usable offline repository")
		return plan.Source{}, false
	}
	key := findKey(path, req.KeyName, req.FallbackKey)
	if key == "" {
		r.Log.Warn().Str("repo", path).Msg("offline repository key not found, packages will not be signature checked")
	}
	return plan.Offline(path, key), true
}

// UsableRepo reports whether dir is a readable directory holding a repository
// database or at least one package archive.
func UsableRepo(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, ".db") || strings.Contains(n, ".db.tar.") || strings.Contains(n, ".pkg.tar.") {
			return true
		}
	}
	return false
}

func findKey(repo, name, fallback string) string {
	if name == "" {
		name = DefaultKeyName
	}
	for _, p := range []string{filepath.Join(repo, name), fallback} {
		if p == "" {
			continue
		}
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

func onlineSource(req Request) plan.Source {
	if list := strings.TrimSpace(req.Mirrorlist); list != "" {
		return plan.OnlineMirrorlist(list+"\n", plan.OriginMirrorlist)
	}
	if base := strings.TrimSpace(req.MirrorURL); base != "" {
		return plan.OnlineMirror(strings.TrimRight(base, "/"))
	}
	def := req.DefaultMirrorlist
	if strings.TrimSpace(def) == "" {
		def = DefaultMirrorlist
	}
	return plan.OnlineMirrorlist(normalize(def), plan.OriginDefault)
}

func normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return s + "\n"
}

// Mirrorlist renders the mirrorlist file content for an online source.
func Mirrorlist(src plan.Source) string {
	if src.Kind != plan.SourceOnline {
		return ""
	}
	if src.Mirrorlist != "" {
		return normalize(src.Mirrorlist)
	}
	if src.MirrorURL != "" {
		return fmt.Sprintf("Server = %s/$repo/os/$arch\n", strings.TrimRight(src.MirrorURL, "/"))
	}
	return DefaultMirrorlist
}

func HasOnline(srcs []plan.Source) bool {
	for _, s := range srcs {
		if s.Kind == plan.SourceOnline {
			return true
		}
	}
	return false
}

func OfflineSource(srcs []plan.Source) (plan.Source, bool) {
	for _, s := range srcs {
		if s.Kind == plan.SourceOffline {
			return s, true
		}
	}
	return plan.Source{}, false
}

// FirstOnline returns the first online source.
func FirstOnline(srcs []plan.Source) (plan.Source, bool) {
	for _, s := range srcs {
		if s.Kind == plan.SourceOnline {
			return s, true
		}
	}
	return plan.Source{}, false
}
