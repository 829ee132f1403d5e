// Package registry holds the configured servers together with their live
// quota state. It is the api.Observer every client reports responses to.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wesm/prtrail/internal/api"
	"github.com/wesm/prtrail/internal/db"
	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/ratelimit"
)

// Endpoint is one configured server
type Endpoint struct {
	Label        string
	APIPath      string
	WebPath      string
	Token        string
	Repositories []string
}

type entry struct {
	server       models.Server
	repositories []string
}

// Registry is safe for concurrent use by fetch tasks
type Registry struct {
	mu      sync.RWMutex
	store   *db.DB
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	servers map[int64]*entry
}

var _ api.Observer = (*Registry)(nil)

func New(store *db.DB, limiter *ratelimit.Limiter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		limiter: limiter,
		logger:  logger,
		servers: make(map[int64]*entry),
	}
}

// SyncConfigured registers the configured endpoints in the store and loads
// their persisted state. Servers missing from endpoints stay in the store
// until the next cycle purges them.
func (r *Registry) SyncConfigured(ctx context.Context, endpoints []Endpoint) error {
	for _, ep := range endpoints {
		if ep.APIPath == "" {
			ep.APIPath = api.DefaultAPIPath
		}
		s := &models.Server{Label: ep.Label, APIPath: ep.APIPath, WebPath: ep.WebPath}
		if err := r.store.SaveServer(ctx, s); err != nil {
			return err
		}
	}

	stored, err := r.store.ListServers(ctx)
	if err != nil {
		return err
	}
	byLabel := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byLabel[ep.Label] = ep
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = make(map[int64]*entry, len(endpoints))
	for _, s := range stored {
		ep, ok := byLabel[s.Label]
		if !ok {
			continue
		}
		s.Token = ep.Token
		r.servers[s.ID] = &entry{server: *s, repositories: slices.Clone(ep.Repositories)}
		if s.RateLimit > 0 {
			r.limiter.Update(s.ID, ratelimit.Quota{Limit: s.RateLimit, Remaining: s.RateRemaining, ResetAt: s.RateResetAt})
		}
	}
	return nil
}

// Configured reports whether id belongs to a configured server.
func (r *Registry) Configured(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[id]
	return ok
}

// ListActive returns the servers that have a token, ordered by id.
func (r *Registry) ListActive() []models.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Server
	for _, e := range r.servers {
		if e.server.Token != "" {
			out = append(out, e.server)
		}
	}
	slices.SortFunc(out, func(a, b models.Server) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Servers returns every configured server, with or without a token.
func (r *Registry) Servers() []models.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Server, 0, len(r.servers))
	for _, e := range r.servers {
		out = append(out, e.server)
	}
	slices.SortFunc(out, func(a, b models.Server) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) Endpoint(id int64) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.servers[id]
	if !ok {
		return Endpoint{}, false
	}
	return Endpoint{
		Label:        e.server.Label,
		APIPath:      e.server.APIPath,
		WebPath:      e.server.WebPath,
		Token:        e.server.Token,
		Repositories: slices.Clone(e.repositories),
	}, true
}

func (r *Registry) Token(id int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.servers[id]; ok {
		return e.server.Token
	}
	return ""
}

// AddRepository adds a manually tracked repository to a server.
func (r *Registry) AddRepository(id int64, fullName string) error {
	if _, _, err := ParseRepository(fullName); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.servers[id]
	if !found {
		return fmt.Errorf("server %d: %w", id, db.ErrNotFound)
	}
	if !slices.ContainsFunc(e.repositories, func(s string) bool { return strings.EqualFold(s, fullName) }) {
		e.repositories = append(e.repositories, fullName)
	}
	return nil
}

func (r *Registry) Limiter() *ratelimit.Limiter { return r.limiter }

// Quota returns the last known quota of a server.
func (r *Registry) Quota(id int64) (ratelimit.Quota, bool) {
	return r.limiter.Quota(id)
}

// updateQuota records a parsed quota reading.
func (r *Registry) updateQuota(id int64, q ratelimit.Quota) {
	r.mu.Lock()
	if e, ok := r.servers[id]; ok {
		e.server.RateLimit = q.Limit
		e.server.RateRemaining = max(q.Remaining, 0)
		e.server.RateResetAt = q.ResetAt
	}
	r.mu.Unlock()
	r.limiter.Update(id, q)
}

// RecordResponse parses the quota headers of a response. A response with a
// missing or malformed header leaves the last known quota in place.
func (r *Registry) RecordResponse(id int64, remaining, limit, reset string) {
	rem, err1 := strconv.Atoi(strings.TrimSpace(remaining))
	lim, err2 := strconv.Atoi(strings.TrimSpace(limit))
	rst, err3 := strconv.ParseInt(strings.TrimSpace(reset), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		if remaining != "" || limit != "" || reset != "" {
			r.logger.Debug("ignoring malformed quota headers", "server", id,
				"remaining", remaining, "limit", limit, "reset", reset)
		}
		return
	}
	r.updateQuota(id, ratelimit.Quota{Limit: lim, Remaining: rem, ResetAt: time.Unix(rst, 0).UTC()})
}

// SetIdentity records who the token of a server belongs to.
func (r *Registry) SetIdentity(id, userID int64, login string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.servers[id]; ok {
		e.server.UserID = userID
		e.server.UserLogin = login
	}
}

// ParseRepository parses a repository string in the format "owner/name"
func ParseRepository(fullName string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", fullName)
	}
	return owner, name, nil
}
