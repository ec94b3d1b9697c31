// Package project persists project identities. Resolution itself lives
// in identity; this service makes it durable and idempotent, so any
// number of agents auto-registering the same workspace converge on one
// project row.
package project

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackswan-labs/coordd/internal/coorderr"
	"github.com/blackswan-labs/coordd/internal/identity"
	"github.com/blackswan-labs/coordd/internal/store"
)

// Project is a registered project identity.
type Project struct {
	ProjectKey    string    `json:"projectId"`
	RootPath      string    `json:"rootPath,omitempty"`
	RemoteOrigin  string    `json:"remoteOrigin,omitempty"`
	DefaultBranch string    `json:"defaultBranch"`
	KeySource     string    `json:"keySource"`
	MergedInto    string    `json:"mergedInto,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Service resolves and persists project identities.
type Service struct {
	ds           *store.Store
	resolver     *identity.Resolver
	manifestName string
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(ds *store.Store, resolver *identity.Resolver, manifestName string, logger zerolog.Logger) *Service {
	return &Service{
		ds:           ds,
		resolver:     resolver,
		manifestName: manifestName,
		logger:       logger.With().Str("component", "project").Logger(),
		now:          time.Now,
	}
}

// AutoRegister resolves the signals to a project key and ensures the
// project row exists. Re-registering an existing project returns the
// stored row untouched; a project merged away redirects to its target.
func (s *Service) AutoRegister(ctx context.Context, sig identity.Signals) (*Project, error) {
	p, _, err := s.ResolveWorkspace(ctx, sig)
	return p, err
}

// ResolveWorkspace is AutoRegister plus the workspace boundaries from
// the optional manifest at the workspace root. A manifest can pin the
// project key and default branch when the signals leave them open.
func (s *Service) ResolveWorkspace(ctx context.Context, sig identity.Signals) (*Project, identity.WorkspaceBoundaries, error) {
	var none identity.WorkspaceBoundaries

	m, err := identity.LoadManifest(sig.WorkingDirectory, s.manifestName)
	if err != nil {
		return nil, none, coorderr.Validation("workspace manifest: %v", err)
	}
	if m != nil {
		if sig.OverrideKey == "" {
			sig.OverrideKey = m.Project.Key
		}
		if sig.DefaultBranch == "" {
			sig.DefaultBranch = m.Project.DefaultBranch
		}
	}

	res, err := s.resolver.Resolve(sig)
	if err != nil {
		return nil, none, coorderr.Validation("cannot resolve project identity: %v", err)
	}

	ins, err := s.ds.DB().ExecContext(ctx,
		`INSERT INTO projects (project_key, root_path, remote_origin, default_branch, key_source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_key) DO NOTHING`,
		res.ProjectKey, res.RootPath, res.RemoteOrigin, res.DefaultBranch,
		string(res.Source), s.now().UnixMilli(),
	)
	if err != nil {
		return nil, none, coorderr.Internal(err, "insert project")
	}
	if n, _ := ins.RowsAffected(); n > 0 {
		s.logger.Info().
			Str("project", res.ProjectKey).
			Str("source", string(res.Source)).
			Msg("project registered")
	}

	p, err := s.Get(ctx, res.ProjectKey)
	if err != nil {
		return nil, none, err
	}
	return p, identity.BoundariesFor(res, m), nil
}

// Get returns a project by key, following at most one merge redirect.
func (s *Service) Get(ctx context.Context, projectKey string) (*Project, error) {
	p, err := s.get(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	if p.MergedInto != "" {
		return s.get(ctx, p.MergedInto)
	}
	return p, nil
}

func (s *Service) get(ctx context.Context, projectKey string) (*Project, error) {
	row := s.ds.DB().QueryRowContext(ctx,
		`SELECT project_key, root_path, remote_origin, default_branch, key_source, merged_into, created_at
		 FROM projects WHERE project_key = ?`, projectKey)

	var (
		p       Project
		remote  sql.NullString
		merged  sql.NullString
		created int64
	)
	err := row.Scan(&p.ProjectKey, &p.RootPath, &remote, &p.DefaultBranch, &p.KeySource, &merged, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coorderr.NotFound("project %s is not registered", projectKey)
	}
	if err != nil {
		return nil, coorderr.Internal(err, "query project")
	}
	p.RemoteOrigin = remote.String
	p.MergedInto = merged.String
	p.CreatedAt = time.UnixMilli(created)
	return &p, nil
}

// Merge folds one project into another, moving its agents, locks,
// memories, and sessions. An operator action for when two keys turn out
// to be the same project.
func (s *Service) Merge(ctx context.Context, fromKey, intoKey string) error {
	if fromKey == intoKey {
		return coorderr.Validation("cannot merge a project into itself")
	}
	if _, err := s.get(ctx, fromKey); err != nil {
		return err
	}
	if _, err := s.get(ctx, intoKey); err != nil {
		return err
	}
	if err := s.ds.MergeProjects(ctx, fromKey, intoKey); err != nil {
		return coorderr.Internal(err, "merge projects")
	}
	s.logger.Info().Str("from", fromKey).Str("into", intoKey).Msg("projects merged")
	return nil
}
