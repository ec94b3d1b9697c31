// Package memory is the per-project memory store. Memories are scoped
// to the project their author registered for; the author's project key
// is looked up server-side so one project can never write into
// another's memory.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackswan-labs/coordd/internal/coorderr"
	"github.com/blackswan-labs/coordd/internal/store"
)

const (
	defaultImportance = 5
	defaultLimit      = 50
	maxLimit          = 200
)

// Store owns the memories table.
type Store struct {
	ds     *store.Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewStore(ds *store.Store, logger zerolog.Logger) *Store {
	return &Store{
		ds:     ds,
		logger: logger.With().Str("component", "memory").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Record stores a memory for an agent. The project key comes from the
// agent's registration and the session from its open session.
func (s *Store) Record(ctx context.Context, params RecordParams) (*Memory, error) {
	if params.Content == "" {
		return nil, coorderr.Validation("memory content is required")
	}
	if !params.Type.Valid() {
		return nil, coorderr.Validation("unknown memory type %q", params.Type)
	}
	importance := params.Importance
	if importance == 0 {
		importance = defaultImportance
	}
	if importance < 1 || importance > 10 {
		return nil, coorderr.Validation("importance must be between 1 and 10, got %d", params.Importance)
	}

	var projectKey string
	err := s.ds.DB().QueryRowContext(ctx,
		`SELECT project_key FROM agents WHERE agent_id = ? AND status != 'expired'`,
		params.AgentID).Scan(&projectKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coorderr.NotFound("agent %s is not registered", params.AgentID)
	}
	if err != nil {
		return nil, coorderr.Internal(err, "resolve agent project")
	}

	var sessionID string
	err = s.ds.DB().QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE agent_id = ? AND ended_at IS NULL
		 ORDER BY started_at DESC LIMIT 1`, params.AgentID).Scan(&sessionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, coorderr.Internal(err, "resolve agent session")
	}

	contextJSON := "{}"
	if len(params.Context) > 0 {
		b, err := json.Marshal(params.Context)
		if err != nil {
			return nil, coorderr.Validation("memory context is not serializable: %v", err)
		}
		contextJSON = string(b)
	}

	now := s.now()
	m := &Memory{
		MemoryID:   "mem-" + uuid.NewString(),
		AgentID:    params.AgentID,
		ProjectKey: projectKey,
		SessionID:  sessionID,
		Type:       params.Type,
		Content:    params.Content,
		Context:    params.Context,
		Importance: importance,
		Tags:       normalizeTags(params.Tags),
		CreatedAt:  now,
	}

	if _, err := s.ds.DB().ExecContext(ctx,
		`INSERT INTO memories (memory_id, agent_id, project_key, session_id, type, content, context, importance, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MemoryID, m.AgentID, m.ProjectKey, m.SessionID, string(m.Type),
		m.Content, contextJSON, m.Importance, strings.Join(m.Tags, ","), now.UnixMilli(),
	); err != nil {
		return nil, coorderr.Internal(err, "insert memory")
	}

	s.logger.Debug().
		Str("memory", m.MemoryID).
		Str("project", m.ProjectKey).
		Str("type", string(m.Type)).
		Int("importance", m.Importance).
		Msg("memory recorded")
	return m, nil
}

// Query returns a project's memories, most important first, newest
// first within equal importance.
func (s *Store) Query(ctx context.Context, projectKey string, f Filter) ([]Memory, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, coorderr.Validation("unknown memory type %q", f.Type)
	}
	if f.MinImportance < 0 || f.MinImportance > 10 {
		return nil, coorderr.Validation("minImportance must be between 0 and 10")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := strings.Builder{}
	query.WriteString(
		`SELECT memory_id, agent_id, project_key, session_id, type, content, context, importance, tags, created_at
		 FROM memories WHERE project_key = ?`)
	args := []any{projectKey}

	if f.Type != "" {
		query.WriteString(" AND type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		query.WriteString(" AND created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if f.MinImportance > 0 {
		query.WriteString(" AND importance >= ?")
		args = append(args, f.MinImportance)
	}
	for _, tag := range normalizeTags(f.Tags) {
		query.WriteString(" AND ',' || tags || ',' LIKE ?")
		args = append(args, "%,"+tag+",%")
	}

	query.WriteString(" ORDER BY importance DESC, created_at DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.ds.DB().QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, coorderr.Internal(err, "query memories")
	}
	defer rows.Close()

	memories := []Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, coorderr.Internal(err, "scan memory")
		}
		memories = append(memories, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, coorderr.Internal(err, "query memories")
	}
	return memories, nil
}

// Summarize condenses a project's memory: totals, a type breakdown,
// the files recently touched, and the highest-importance insights.
func (s *Store) Summarize(ctx context.Context, projectKey string) (*Summary, error) {
	summary := &Summary{
		ByType:      map[string]int{},
		RecentFiles: []string{},
		KeyInsights: []string{},
	}

	rows, err := s.ds.DB().QueryContext(ctx,
		`SELECT type, COUNT(*) FROM memories WHERE project_key = ? GROUP BY type`, projectKey)
	if err != nil {
		return nil, coorderr.Internal(err, "count memories")
	}
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return nil, coorderr.Internal(err, "scan memory counts")
		}
		summary.ByType[typ] = n
		summary.TotalMemories += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, coorderr.Internal(err, "count memories")
	}

	recent, err := s.Query(ctx, projectKey, Filter{Limit: 25})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, m := range recent {
		for _, f := range contextFiles(m.Context) {
			if !seen[f] {
				seen[f] = true
				summary.RecentFiles = append(summary.RecentFiles, f)
			}
		}
		if m.Importance >= 8 && len(summary.KeyInsights) < 5 {
			summary.KeyInsights = append(summary.KeyInsights, m.Content)
		}
	}
	return summary, nil
}

// Aggregate runs Query and Summarize across several projects. Intended
// for operators and meta-agents that supervise more than one project.
func (s *Store) Aggregate(ctx context.Context, projectKeys []string, f Filter) ([]ProjectAggregate, error) {
	if len(projectKeys) == 0 {
		return nil, coorderr.Validation("at least one project key is required")
	}

	out := make([]ProjectAggregate, 0, len(projectKeys))
	for _, key := range projectKeys {
		memories, err := s.Query(ctx, key, f)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", key, err)
		}
		summary, err := s.Summarize(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", key, err)
		}
		out = append(out, ProjectAggregate{
			ProjectKey: key,
			Summary:    *summary,
			Memories:   memories,
		})
	}
	return out, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || strings.Contains(t, ",") {
			continue
		}
		out = append(out, t)
	}
	return out
}

// contextFiles pulls file references out of a memory's context, looking
// for the conventional "file" and "files" keys.
func contextFiles(ctx map[string]any) []string {
	var files []string
	if f, ok := ctx["file"].(string); ok && f != "" {
		files = append(files, f)
	}
	if list, ok := ctx["files"].([]any); ok {
		for _, v := range list {
			if f, ok := v.(string); ok && f != "" {
				files = append(files, f)
			}
		}
	}
	return files
}

func scanMemory(rows *sql.Rows) (*Memory, error) {
	var (
		m       Memory
		typ     string
		rawCtx  string
		rawTags string
		created int64
	)
	if err := rows.Scan(&m.MemoryID, &m.AgentID, &m.ProjectKey, &m.SessionID,
		&typ, &m.Content, &rawCtx, &m.Importance, &rawTags, &created); err != nil {
		return nil, err
	}
	m.Type = Type(typ)
	m.CreatedAt = time.UnixMilli(created)
	if rawCtx != "" && rawCtx != "{}" {
		_ = json.Unmarshal([]byte(rawCtx), &m.Context)
	}
	if rawTags != "" {
		m.Tags = strings.Split(rawTags, ",")
	}
	return &m, nil
}
