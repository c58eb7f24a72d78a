package sampling

import (
	"log/slog"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Default sampler configuration.
const (
	DefaultBaseRate        = 100.0
	DefaultErrorMultiplier = 2.0
	DefaultMinRate         = 1.0
	DefaultMaxRate         = 100.0

	// rateRecomputeInterval bounds how often the published rate changes.
	rateRecomputeInterval = 30 * time.Second

	// publishDelta is the minimum movement, in percentage points, before
	// the published rate is updated.
	publishDelta = 5.0

	// loadWindow is the observation window for requests-per-second and
	// error-rate calculations.
	loadWindow = time.Minute

	// loadFullScaleRPS is the request rate treated as full load.
	loadFullScaleRPS = 100.0
)

// Rule decides the sample rate for events matching a path pattern.
// Rules are evaluated in priority order (descending, stable for ties) and
// the first match wins: its rate is authoritative and is NOT scaled by
// load or error factors, nor raised to MinRate.
type Rule struct {
	// PathPattern matches by prefix, or as a wildcard pattern when it
	// contains '*' (greedy, anchored at the start).
	PathPattern string

	// Method restricts the rule to one HTTP method ("" matches any).
	Method string

	// Rate is the sample rate (0-100) applied when the rule matches.
	Rate float64

	// Priority orders rules; higher wins. Equal priorities keep their
	// insertion order.
	Priority int

	// Conditions are attribute equality checks that must all hold.
	Conditions map[string]string
}

// Context describes one incoming event for sampling decisions.
type Context struct {
	Path       string
	Method     string
	Attributes map[string]string
}

// Config holds sampler configuration.
type Config struct {
	// BaseRate is the starting rate (0-100) when no rule matches.
	BaseRate float64

	// ErrorMultiplier scales the rate up when the event carries an error.
	ErrorMultiplier float64

	// MinRate/MaxRate clamp every computed rate.
	MinRate float64
	MaxRate float64

	// LoadBased scales the rate down as the recent request rate climbs.
	LoadBased bool

	// Adaptive boosts the rate when recent error rate or latency is high.
	Adaptive bool

	// Rules are matched before any of the above applies.
	Rules []Rule
}

// DefaultConfig returns a sampler config that admits everything until load
// or rules say otherwise.
func DefaultConfig() Config {
	return Config{
		BaseRate:        DefaultBaseRate,
		ErrorMultiplier: DefaultErrorMultiplier,
		MinRate:         DefaultMinRate,
		MaxRate:         DefaultMaxRate,
		LoadBased:       true,
		Adaptive:        true,
	}
}

type compiledRule struct {
	Rule
	regex *regexp.Regexp // nil for plain prefix patterns
}

type observation struct {
	at      time.Time
	latency time.Duration
	isError bool
}

// Sampler decides, per incoming event, whether to admit it into the
// pipeline, adapting to load and error rate. Any internal failure defaults
// to "sample" — dropping telemetry silently is worse than oversampling.
type Sampler struct {
	cfg   Config
	rules []compiledRule

	mu            sync.Mutex
	window        []observation
	currentRate   float64
	lastRecompute time.Time

	randFloat func() float64
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a sampler. Rules with unparseable wildcard patterns are
// dropped with a warning rather than failing construction.
func New(cfg Config) *Sampler {
	if cfg.BaseRate == 0 {
		cfg.BaseRate = DefaultBaseRate
	}
	if cfg.ErrorMultiplier == 0 {
		cfg.ErrorMultiplier = DefaultErrorMultiplier
	}
	if cfg.MaxRate == 0 {
		cfg.MaxRate = DefaultMaxRate
	}

	logger := slog.Default().With("component", "sampling")

	// Stable sort: equal priorities keep insertion order.
	rules := make([]Rule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{Rule: r}
		if strings.Contains(r.PathPattern, "*") {
			re, err := compileWildcard(r.PathPattern)
			if err != nil {
				logger.Warn("dropping sampling rule with bad pattern",
					"pattern", r.PathPattern, "error", err)
				continue
			}
			cr.regex = re
		}
		compiled = append(compiled, cr)
	}

	return &Sampler{
		cfg:         cfg,
		rules:       compiled,
		currentRate: cfg.BaseRate,
		randFloat:   rand.Float64,
		now:         time.Now,
		logger:      logger,
	}
}

// compileWildcard turns a '*' pattern into a greedy regex anchored at the
// start of the path.
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*"))
}

// ShouldSample reports whether the event should be admitted.
func (s *Sampler) ShouldSample(sctx Context, err error) (admit bool) {
	// Fail open: an internal panic admits the event.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sampler panicked, failing open", "panic", r)
			admit = true
		}
	}()

	rate := s.SampleRate(sctx, err)
	return s.randFloat()*100 < rate
}

// SampleRate computes the effective rate (0-100) for the event.
func (s *Sampler) SampleRate(sctx Context, err error) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeRecomputeLocked()

	// First matching rule wins; its rate is terminal. MinRate does not
	// apply here: a rule with rate 0 suppresses its traffic entirely.
	for _, r := range s.rules {
		if r.matches(sctx) {
			if r.Rate > s.cfg.MaxRate {
				return s.cfg.MaxRate
			}
			return r.Rate
		}
	}

	rate := s.cfg.BaseRate
	if err != nil {
		rate *= s.cfg.ErrorMultiplier
	}
	if s.cfg.LoadBased {
		rate *= loadScale(s.loadFactorLocked())
	}
	if s.cfg.Adaptive {
		errRate, avgLatency := s.recentHealthLocked()
		switch {
		case errRate > 0.10:
			rate *= 1.5
		case errRate > 0.05:
			rate *= 1.2
		}
		if avgLatency > time.Second {
			rate *= 1.2
		}
	}
	return s.clamp(rate)
}

// Observe records a request outcome so load, error rate and latency feed
// future sampling decisions.
func (s *Sampler) Observe(latency time.Duration, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.window = append(s.window, observation{at: now, latency: latency, isError: isError})
	s.trimWindowLocked(now)
}

// CurrentRate returns the published smoothed sample rate.
func (s *Sampler) CurrentRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRecomputeLocked()
	return s.currentRate
}

func (r compiledRule) matches(sctx Context) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, sctx.Method) {
		return false
	}
	if r.regex != nil {
		if !r.regex.MatchString(sctx.Path) {
			return false
		}
	} else if !strings.HasPrefix(sctx.Path, r.PathPattern) {
		return false
	}
	for k, want := range r.Conditions {
		if sctx.Attributes[k] != want {
			return false
		}
	}
	return true
}

func loadScale(load float64) float64 {
	switch {
	case load > 0.8:
		return 0.5
	case load > 0.6:
		return 0.7
	case load > 0.4:
		return 0.9
	default:
		return 1.0
	}
}

func (s *Sampler) clamp(rate float64) float64 {
	if rate < s.cfg.MinRate {
		return s.cfg.MinRate
	}
	if rate > s.cfg.MaxRate {
		return s.cfg.MaxRate
	}
	return rate
}

func (s *Sampler) trimWindowLocked(now time.Time) {
	cutoff := now.Add(-loadWindow)
	i := 0
	for ; i < len(s.window); i++ {
		if s.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

// loadFactorLocked is min(1, rps over the last minute / 100).
func (s *Sampler) loadFactorLocked() float64 {
	s.trimWindowLocked(s.now())
	rps := float64(len(s.window)) / loadWindow.Seconds()
	load := rps / loadFullScaleRPS
	if load > 1 {
		load = 1
	}
	return load
}

func (s *Sampler) recentHealthLocked() (errorRate float64, avgLatency time.Duration) {
	s.trimWindowLocked(s.now())
	if len(s.window) == 0 {
		return 0, 0
	}
	errs := 0
	var total time.Duration
	for _, o := range s.window {
		if o.isError {
			errs++
		}
		total += o.latency
	}
	return float64(errs) / float64(len(s.window)), total / time.Duration(len(s.window))
}

// maybeRecomputeLocked refreshes the published rate at most once per
// interval, moving it only when the smoothed value shifts by more than
// publishDelta percentage points.
func (s *Sampler) maybeRecomputeLocked() {
	now := s.now()
	if now.Sub(s.lastRecompute) < rateRecomputeInterval {
		return
	}
	s.lastRecompute = now

	target := s.cfg.BaseRate
	if s.cfg.LoadBased {
		target *= loadScale(s.loadFactorLocked())
	}
	if s.cfg.Adaptive {
		errRate, _ := s.recentHealthLocked()
		switch {
		case errRate > 0.10:
			target *= 1.5
		case errRate > 0.05:
			target *= 1.2
		}
	}
	target = s.clamp(target)

	smoothed := s.currentRate*0.7 + target*0.3
	if diff := smoothed - s.currentRate; diff > publishDelta || diff < -publishDelta {
		s.logger.Debug("published sample rate changed",
			"from", s.currentRate, "to", smoothed)
		s.currentRate = smoothed
	}
}
