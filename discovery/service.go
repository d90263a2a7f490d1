package discovery

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/viable-systems/vsm-mcp-sub004/core"
	"github.com/viable-systems/vsm-mcp-sub004/resilience"
)

// Service is the discovery engine: it expands descriptors into query
// terms, fans the terms out across the configured catalogs, filters by the
// tool-server marker, scores, dedupes, and ranks. Results are cached by
// the normalized descriptor set with a TTL; concurrent discoveries for the
// same key coalesce to one upstream pass.
type Service struct {
	catalogs []Catalog
	cache    core.Cache
	ttl      time.Duration

	marker         string
	officialPrefix string
	aliases        map[string][]string
	maxParallel    int

	logger core.Logger
	tele   core.Telemetry

	group singleflight.Group

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker
}

// ServiceOption customizes a discovery Service.
type ServiceOption func(*Service)

// WithCache sets the candidate cache (default: in-memory).
func WithCache(c core.Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l core.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithServiceTelemetry sets the telemetry sink.
func WithServiceTelemetry(t core.Telemetry) ServiceOption {
	return func(s *Service) { s.tele = t }
}

// WithAliases maps descriptor kinds to extra query terms (known package
// family names for a kind).
func WithAliases(aliases map[string][]string) ServiceOption {
	return func(s *Service) { s.aliases = aliases }
}

// WithMarker sets the tool-server marker substring (default "mcp").
func WithMarker(marker string) ServiceOption {
	return func(s *Service) { s.marker = marker }
}

// WithOfficialPrefix sets the namespace granted the official quality bonus.
func WithOfficialPrefix(prefix string) ServiceOption {
	return func(s *Service) { s.officialPrefix = prefix }
}

// WithMaxParallel bounds the catalog fan-out (default 8).
func WithMaxParallel(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

// NewService creates a discovery service over the given catalogs.
func NewService(catalogs []Catalog, ttl time.Duration, opts ...ServiceOption) *Service {
	s := &Service{
		catalogs:       catalogs,
		cache:          core.NewMemoryCache(),
		ttl:            ttl,
		marker:         "mcp",
		officialPrefix: "@modelcontextprotocol/",
		maxParallel:    8,
		logger:         &core.NoOpLogger{},
		tele:           &core.NoOpTelemetry{},
		breakers:       make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Discover returns ranked candidates for the descriptor set, best first.
// Zero candidates is a valid result, not an error: the acquisition
// pipeline owns the policy for an empty discovery.
func (s *Service) Discover(ctx context.Context, descriptors []core.CapabilityDescriptor) ([]core.Candidate, error) {
	if len(descriptors) == 0 || len(s.catalogs) == 0 {
		return []core.Candidate{}, nil
	}
	key := core.DescriptorSetKey(descriptors)

	if cached, ok := s.fromCache(ctx, key); ok {
		s.tele.RecordMetric("discovery.cache_hits", 1, nil)
		return cached, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		// Re-check: a coalesced caller may arrive just after the winner
		// populated the cache.
		if cached, ok := s.fromCache(ctx, key); ok {
			return cached, nil
		}
		candidates := s.search(ctx, descriptors)
		s.toCache(ctx, key, candidates)
		return candidates, nil
	})
	if err != nil {
		return []core.Candidate{}, nil
	}
	return v.([]core.Candidate), nil
}

// search is the uncached pass: fan out (catalog × term), filter, score,
// dedupe by name keeping the highest score, order by relevance × quality.
func (s *Service) search(ctx context.Context, descriptors []core.CapabilityDescriptor) []core.Candidate {
	started := time.Now()
	type hit struct {
		entry Entry
		desc  core.CapabilityDescriptor
	}

	var mu sync.Mutex
	var hits []hit

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)

	for _, desc := range descriptors {
		for _, term := range s.queryTerms(desc) {
			for _, cat := range s.catalogs {
				desc, term, cat := desc, term, cat
				g.Go(func() error {
					entries, err := s.searchCatalog(gctx, cat, term)
					if err != nil {
						// One catalog failing never fails discovery.
						s.logger.Warn("catalog search failed", map[string]interface{}{
							"catalog": cat.Name(),
							"term":    term,
							"error":   err.Error(),
						})
						s.tele.RecordMetric("discovery.catalog_failures", 1, map[string]string{"catalog": cat.Name()})
						return nil
					}
					mu.Lock()
					for _, e := range entries {
						if s.isToolServer(e) {
							hits = append(hits, hit{entry: e, desc: desc})
						}
					}
					mu.Unlock()
					return nil
				})
			}
		}
	}
	_ = g.Wait()

	cfg := scoringConfig{officialPrefix: s.officialPrefix, now: time.Now()}
	best := make(map[string]core.Candidate)
	for _, h := range hits {
		c := scoreEntry(h.entry, h.desc, cfg)
		if cur, ok := best[c.Name]; !ok || c.Score() > cur.Score() {
			best[c.Name] = c
		}
	}

	candidates := make([]core.Candidate, 0, len(best))
	for _, c := range best {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score() == candidates[j].Score() {
			return candidates[i].Name < candidates[j].Name
		}
		return candidates[i].Score() > candidates[j].Score()
	})

	s.logger.Info("discovery completed", map[string]interface{}{
		"descriptors": len(descriptors),
		"candidates":  len(candidates),
		"duration_ms": time.Since(started).Milliseconds(),
	})
	s.tele.RecordMetric("discovery.candidates", float64(len(candidates)), nil)
	return candidates
}

// searchCatalog runs one catalog query behind that catalog's breaker, so a
// flapping catalog is skipped fast instead of eating its full timeout on
// every term.
func (s *Service) searchCatalog(ctx context.Context, cat Catalog, term string) ([]Entry, error) {
	breaker := s.breakerFor(cat.Name())
	var entries []Entry
	err := breaker.Execute(func() error {
		var err error
		entries, err = cat.Search(ctx, term)
		return err
	})
	return entries, err
}

func (s *Service) breakerFor(name string) *resilience.CircuitBreaker {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "catalog-" + name,
		FailureThreshold: 3,
		SleepWindow:      30 * time.Second,
		Logger:           s.logger,
	})
	s.breakers[name] = b
	return b
}

// queryTerms derives the query terms for one descriptor: its search terms
// plus any alias expansion for its kind.
func (s *Service) queryTerms(d core.CapabilityDescriptor) []string {
	terms := normalizeTerms(d.SearchTerms)
	if len(terms) == 0 && d.Kind != "" {
		terms = tokenize(d.Kind)
	}
	if extra, ok := s.aliases[strings.ToLower(d.Kind)]; ok {
		terms = append(terms, normalizeTerms(extra)...)
	}
	return terms
}

// isToolServer keeps entries whose name, description, or keywords carry
// the configured marker.
func (s *Service) isToolServer(e Entry) bool {
	if s.marker == "" {
		return true
	}
	return entryMatches(e, strings.ToLower(s.marker))
}

func (s *Service) fromCache(ctx context.Context, key string) ([]core.Candidate, bool) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		if err != nil {
			s.logger.Warn("discovery cache read failed", map[string]interface{}{"error": err.Error()})
		}
		return nil, false
	}
	var candidates []core.Candidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, false
	}
	return candidates, true
}

func (s *Service) toCache(ctx context.Context, key string, candidates []core.Candidate) {
	data, err := json.Marshal(candidates)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(data), s.ttl); err != nil {
		s.logger.Warn("discovery cache write failed", map[string]interface{}{"error": err.Error()})
	}
}
