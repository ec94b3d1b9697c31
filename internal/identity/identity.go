// Package identity derives stable project keys from working-directory
// signals. Resolution is deterministic and idempotent: two clones of the
// same repository converge on one key, from any machine, with no central
// lookup on the hot path.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/blackswan-labs/coordd/lru"
)

// Source records which signal produced a project key.
type Source string

const (
	SourceOverride Source = "override" // caller-supplied key, always wins
	SourceRemote   Source = "remote"   // normalized remote origin URL
	SourcePath     Source = "path"     // canonical root path (weaker: machine-local)
)

// Signals are the working-directory facts available at resolution time.
type Signals struct {
	WorkingDirectory string
	RemoteOrigin     string
	DefaultBranch    string
	// OverrideKey forces a specific project key, for non-git workspaces
	// or deliberate grouping.
	OverrideKey string
}

// Resolution is the outcome of resolving Signals.
type Resolution struct {
	ProjectKey    string
	Source        Source
	RootPath      string
	RemoteOrigin  string // normalized, empty for path-derived keys
	DefaultBranch string
}

// Resolver resolves Signals to project keys, caching recent resolutions
// per working directory.
type Resolver struct {
	cache *lru.Cache[string, Resolution]
}

// NewResolver creates a Resolver with a bounded resolution cache.
func NewResolver(cacheSize int) *Resolver {
	if cacheSize < 1 {
		cacheSize = 256
	}
	return &Resolver{cache: lru.New[string, Resolution](cacheSize)}
}

// Resolve derives the project key for the given signals.
// Precedence: explicit override, then remote origin, then root path.
func (r *Resolver) Resolve(sig Signals) (Resolution, error) {
	if sig.OverrideKey == "" && sig.WorkingDirectory == "" && sig.RemoteOrigin == "" {
		return Resolution{}, fmt.Errorf("identity: no signals provided")
	}

	cacheKey := sig.OverrideKey + "|" + sig.RemoteOrigin + "|" + sig.WorkingDirectory
	if res, ok := r.cache.Get(cacheKey); ok {
		return res, nil
	}

	res, err := resolve(sig)
	if err != nil {
		return Resolution{}, err
	}
	r.cache.Put(cacheKey, res)
	return res, nil
}

func resolve(sig Signals) (Resolution, error) {
	branch := sig.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	root := ""
	if sig.WorkingDirectory != "" {
		abs, err := filepath.Abs(sig.WorkingDirectory)
		if err != nil {
			return Resolution{}, fmt.Errorf("identity: canonicalize %q: %w", sig.WorkingDirectory, err)
		}
		root = filepath.ToSlash(filepath.Clean(abs))
	}

	if sig.OverrideKey != "" {
		return Resolution{
			ProjectKey:    sig.OverrideKey,
			Source:        SourceOverride,
			RootPath:      root,
			DefaultBranch: branch,
		}, nil
	}

	if sig.RemoteOrigin != "" {
		normalized, err := NormalizeRemote(sig.RemoteOrigin)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{
			ProjectKey:    keyFrom("remote:" + normalized),
			Source:        SourceRemote,
			RootPath:      root,
			RemoteOrigin:  normalized,
			DefaultBranch: branch,
		}, nil
	}

	if root == "" {
		return Resolution{}, fmt.Errorf("identity: working directory required when no remote origin")
	}
	return Resolution{
		ProjectKey:    keyFrom("path:" + root),
		Source:        SourcePath,
		RootPath:      root,
		DefaultBranch: branch,
	}, nil
}

// NormalizeRemote canonicalizes a git remote URL so that scheme, embedded
// credentials, and a trailing ".git" do not produce distinct keys.
// Distinct hosts or owner paths (fork vs origin) stay distinct: merging
// forks is an operator action, never automatic.
func NormalizeRemote(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("identity: empty remote URL")
	}

	// scp-like syntax: git@github.com:owner/repo.git
	if !strings.Contains(s, "://") {
		if at := strings.Index(s, "@"); at >= 0 {
			s = s[at+1:]
		}
		s = strings.Replace(s, ":", "/", 1)
	} else {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("identity: parse remote %q: %w", raw, err)
		}
		host := u.Hostname()
		if host == "" {
			return "", fmt.Errorf("identity: remote %q has no host", raw)
		}
		s = host + u.Path
	}

	s = strings.ToLower(s)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")
	return s, nil
}

// keyFrom hashes an input into a fixed-width project key.
func keyFrom(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "proj-" + hex.EncodeToString(sum[:])[:16]
}
