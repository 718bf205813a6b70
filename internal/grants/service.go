package grants

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Store is the storage surface the service depends on.
type Store interface {
	ReplaceGrants(ctx context.Context, principalID string, admin bool, resources []ResourceRow, generation int64) error
	UpsertResources(ctx context.Context, resources []ResourceRow, generation int64) error
	UpsertPrincipalGrants(ctx context.Context, principalID string, admin bool, resources []ResourceRow, generation int64) error
	SweepOlderThan(ctx context.Context, generation int64) (SweepStats, error)
	DeletePrincipal(ctx context.Context, principalID string) error
	GetPrincipal(ctx context.Context, principalID string) (PrincipalRow, error)
	PrincipalGeneration(ctx context.Context, principalID string) (int64, error)
	ResourcesFor(ctx context.Context, principalID, resourceType string) ([]ResourceRow, error)
	PrincipalsWithRole(ctx context.Context, roles []string) ([]string, error)
	ResourcesInScope(ctx context.Context, principalIDs []string) ([]ResourceRow, error)
	PrincipalEdges(ctx context.Context, principalIDs []string) ([]PrincipalEdgeRow, error)
}

// Service synchronizes grant sets into storage and aggregates them back.
// Writes stamp every touched row with one generation and sweep rows that
// kept an older stamp, so a full replace needs no before/after diff.
type Service struct {
	store    Store
	codec    *Codec
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics
	clock    func() time.Time
	cacheTTL time.Duration
	cache    *unrestrictedCache
}

// Option customises Service construction.
type Option func(*Service)

// WithClock overrides the generation clock for deterministic tests. The
// clock must be monotonic non-decreasing or sweeps could remove fresh rows.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithNotifier publishes a change event after each successful write.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records sync and cache counters.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCacheTTL overrides the unrestricted-cache idle window.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) { s.cacheTTL = ttl }
}

// NewService constructs the service over a store and a codec covering the
// known resource kinds.
func NewService(store Store, codec *Codec, opts ...Option) *Service {
	s := &Service{
		store:    store,
		codec:    codec,
		logger:   slog.Default(),
		clock:    time.Now,
		cacheTTL: DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = newUnrestrictedCache(cacheConfig{
		ttl:        s.cacheTTL,
		generation: s.unrestrictedGeneration,
		load:       s.loadUnrestricted,
		logger:     s.logger,
		metrics:    s.metrics,
		now:        s.clock,
	})
	return s
}

// generation produces the stamp shared by every row of one write batch.
func (s *Service) generation() int64 {
	return s.clock().UnixMilli()
}

// Put replaces one principal's grants with set: within one transaction the
// principal, its resources, and its edges are upserted with a fresh
// generation and the principal's older edges are deleted. Everything the
// set no longer asserts is gone when the call returns.
func (s *Service) Put(ctx context.Context, set *Set) error {
	err := s.put(ctx, set)
	s.metrics.ObserveSync("put", err)
	return err
}

func (s *Service) put(ctx context.Context, set *Set) error {
	if set == nil || set.PrincipalID == "" {
		return errors.New("grants: principal id required")
	}
	rows, err := s.encodeResources(set)
	if err != nil {
		return err
	}
	if err := s.store.ReplaceGrants(ctx, set.PrincipalID, set.Admin, rows, s.generation()); err != nil {
		return err
	}
	s.notifyChanged(ctx, set.PrincipalID)
	return nil
}

// PutAll replaces the complete universe of principals with the batch.
// Anything not present in sets is deleted. An empty batch is a no-op, so an
// accidental empty refresh cannot wipe the tables.
func (s *Service) PutAll(ctx context.Context, sets []*Set) error {
	err := s.putAll(ctx, sets)
	s.metrics.ObserveSync("put_all", err)
	return err
}

func (s *Service) putAll(ctx context.Context, sets []*Set) error {
	if len(sets) == 0 {
		return nil
	}
	for _, set := range sets {
		if set == nil || set.PrincipalID == "" {
			return errors.New("grants: principal id required")
		}
	}
	generation := s.generation()

	// Phase 1: every distinct resource in the batch, one transaction. When
	// two sets carry the same (type, name) with different payloads the later
	// one wins.
	type resourceKey struct {
		typ  string
		name string
	}
	index := map[resourceKey]int{}
	var distinct []ResourceRow
	encoded := make([][]ResourceRow, len(sets))
	for i, set := range sets {
		rows, err := s.encodeResources(set)
		if err != nil {
			return err
		}
		encoded[i] = rows
		for _, row := range rows {
			key := resourceKey{typ: row.Type, name: row.Name}
			if at, ok := index[key]; ok {
				distinct[at] = row
				continue
			}
			index[key] = len(distinct)
			distinct = append(distinct, row)
		}
	}
	if err := s.store.UpsertResources(ctx, distinct, generation); err != nil {
		return err
	}

	// Phase 2: one transaction per principal keeps lock durations bounded;
	// the batch is not atomic across principals.
	for i, set := range sets {
		if err := s.store.UpsertPrincipalGrants(ctx, set.PrincipalID, set.Admin, encoded[i], generation); err != nil {
			return err
		}
	}

	// Phase 3: global sweep of rows the batch did not re-assert. The sweep
	// runs in its own transaction; a concurrent Put that commits after its
	// principal's phase-2 transaction carries an older generation and is
	// swept with the rest. Callers resynchronizing from an upstream source
	// of truth own the full universe and re-deliver such writes.
	stats, err := s.store.SweepOlderThan(ctx, generation)
	if err != nil {
		return err
	}
	s.metrics.AddSweptRows(stats.Total())
	s.logger.Info("grant sweep completed",
		slog.Int64("generation", generation),
		slog.Int64("principals", stats.Principals),
		slog.Int64("resources", stats.Resources),
		slog.Int64("edges", stats.Edges),
	)
	s.notifyChanged(ctx, Everyone)
	return nil
}

// Remove deletes the principal's edges and principal row. Resource rows it
// referenced stay behind until a sweep or the orphan pruner reclaims them.
func (s *Service) Remove(ctx context.Context, principalID string) error {
	err := s.remove(ctx, principalID)
	s.metrics.ObserveSync("remove", err)
	return err
}

func (s *Service) remove(ctx context.Context, principalID string) error {
	if principalID == "" {
		return errors.New("grants: principal id required")
	}
	if err := s.store.DeletePrincipal(ctx, principalID); err != nil {
		return err
	}
	s.notifyChanged(ctx, principalID)
	return nil
}

// Get returns the principal's grant set merged with the unrestricted
// baseline, or ErrNotFound. Reading the unrestricted principal itself goes
// through the cache.
func (s *Service) Get(ctx context.Context, principalID string) (*Set, error) {
	if principalID == Everyone {
		return s.Unrestricted(ctx)
	}
	set, err := s.aggregate(ctx, principalID)
	if err != nil {
		return nil, err
	}
	unrestricted, err := s.Unrestricted(ctx)
	if err != nil {
		return nil, err
	}
	return set.Merge(unrestricted), nil
}

// Unrestricted returns the baseline grant set merged into every read.
func (s *Service) Unrestricted(ctx context.Context) (*Set, error) {
	return s.cache.Get(ctx)
}

// GetAll returns every stored principal with full grants.
func (s *Service) GetAll(ctx context.Context) (map[string]*Set, error) {
	return s.GetAllByRoles(ctx, nil)
}

// GetAllByRoles maps principal ids to fully merged grant sets. A nil filter
// covers every principal; an empty non-nil filter returns only the
// unrestricted entry; otherwise the result covers the principals granted
// any of the named roles. The unrestricted entry is always included.
func (s *Service) GetAllByRoles(ctx context.Context, roles []string) (map[string]*Set, error) {
	unrestricted, err := s.Unrestricted(ctx)
	if err != nil {
		return nil, err
	}
	result := map[string]*Set{Everyone: unrestricted}
	if roles != nil && len(roles) == 0 {
		return result, nil
	}

	var scope []string
	if len(roles) > 0 {
		scope, err = s.store.PrincipalsWithRole(ctx, roles)
		if err != nil {
			return nil, err
		}
		if len(scope) == 0 {
			return result, nil
		}
	}

	decoded, err := s.prefetchResources(ctx, scope)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.PrincipalEdges(ctx, scope)
	if err != nil {
		return nil, err
	}

	// Fold principal×edge rows into per-principal accumulators. Each
	// accumulator is seeded once from the principal row merged with the
	// unrestricted baseline; every edge row then adds its prefetched
	// resource. Duplicate edges fold idempotently and a principal with no
	// edges keeps its seeded set.
	accumulators := map[string]*Set{}
	for _, row := range rows {
		acc, ok := accumulators[row.PrincipalID]
		if !ok {
			acc = NewSet(row.PrincipalID, row.Admin).Merge(unrestricted)
			accumulators[row.PrincipalID] = acc
		}
		if row.ResourceType == nil || row.ResourceName == nil {
			continue
		}
		if r, ok := decoded[*row.ResourceType][*row.ResourceName]; ok {
			acc.Add(r)
		}
	}
	for id, acc := range accumulators {
		result[id] = acc
	}
	return result, nil
}

// prefetchResources decodes every distinct resource in scope exactly once,
// keyed by type then name, so the fold never decodes the same body again
// per principal. A body that fails to decode is logged and skipped; one bad
// row must not take down the aggregation of unrelated principals.
func (s *Service) prefetchResources(ctx context.Context, scope []string) (map[string]map[string]Resource, error) {
	rows, err := s.store.ResourcesInScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	decoded := map[string]map[string]Resource{}
	for _, res := range rows {
		r, err := s.codec.Decode(res.Type, res.Body)
		if err != nil {
			s.logger.Warn("skipping undecodable resource",
				slog.String("type", res.Type),
				slog.String("name", res.Name),
				slog.Any("error", err),
			)
			continue
		}
		byName, ok := decoded[res.Type]
		if !ok {
			byName = map[string]Resource{}
			decoded[res.Type] = byName
		}
		byName[res.Name] = r
	}
	return decoded, nil
}

// aggregate reads one principal's own grants without the unrestricted
// merge. Decode failures fail this read; the caller asked for exactly this
// principal.
func (s *Service) aggregate(ctx context.Context, principalID string) (*Set, error) {
	row, err := s.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	set := NewSet(row.ID, row.Admin)
	for _, typ := range s.codec.Types() {
		rows, err := s.store.ResourcesFor(ctx, principalID, typ)
		if err != nil {
			return nil, err
		}
		for _, res := range rows {
			r, err := s.codec.Decode(res.Type, res.Body)
			if err != nil {
				return nil, err
			}
			set.Add(r)
		}
	}
	return set, nil
}

// unrestrictedGeneration probes the stored generation of the Everyone row.
// An absent row maps to the never-written sentinel rather than an error so
// an empty deployment still serves (empty) baseline grants.
func (s *Service) unrestrictedGeneration(ctx context.Context) (int64, error) {
	gen, err := s.store.PrincipalGeneration(ctx, Everyone)
	if errors.Is(err, ErrNotFound) {
		return generationUnset, nil
	}
	return gen, err
}

// loadUnrestricted is the cache's loader: the uncached aggregation of the
// Everyone principal.
func (s *Service) loadUnrestricted(ctx context.Context) (*Set, error) {
	set, err := s.aggregate(ctx, Everyone)
	if errors.Is(err, ErrNotFound) {
		return NewSet(Everyone, false), nil
	}
	return set, err
}

// encodeResources serializes every resource of one set in the stable
// type-then-name order.
func (s *Service) encodeResources(set *Set) ([]ResourceRow, error) {
	rows := make([]ResourceRow, 0, set.Len())
	for _, r := range set.All() {
		body, err := s.codec.Encode(r)
		if err != nil {
			return nil, err
		}
		rows = append(rows, ResourceRow{Type: r.ResourceType(), Name: r.ResourceName(), Body: body})
	}
	return rows, nil
}

func (s *Service) notifyChanged(ctx context.Context, principalID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.GrantsChanged(ctx, principalID); err != nil {
		s.logger.Warn("grant change notification failed",
			slog.String("principal", principalID),
			slog.Any("error", err),
		)
	}
}
