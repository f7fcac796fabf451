// Package watchlist maintains the bounded set of symbols the engine actively
// trades, rotated by score over a larger universe.
package watchlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/config"
)

// Scorer rates a symbol's attractiveness. Higher is better; an error drops
// the symbol from the current scan only.
type Scorer interface {
	Score(ctx context.Context, symbol string) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, symbol string) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, symbol string) (float64, error) {
	return f(ctx, symbol)
}

type scored struct {
	symbol string
	score  float64
}

// Manager owns the watchlist state. Rotations are serialized; reads return
// copies and never block a rotation longer than the copy itself.
type Manager struct {
	cfg      config.WatchlistConfig
	scorer   Scorer
	logger   zerolog.Logger
	fanOut   int
	rotateMu sync.Mutex // serializes rotations end to end

	mu        sync.RWMutex // guards the fields below
	active    []string
	cooldowns map[string]time.Time
	rotatedAt time.Time

	now func() time.Time
}

// New builds a watchlist manager. fanOut caps concurrent scoring calls
// during a rotation scan.
func New(cfg config.WatchlistConfig, scorer Scorer, fanOut int, logger zerolog.Logger) *Manager {
	if fanOut <= 0 {
		fanOut = 1
	}
	return &Manager{
		cfg:       cfg,
		scorer:    scorer,
		logger:    logger.With().Str("component", "watchlist").Logger(),
		fanOut:    fanOut,
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Active returns an immutable copy of the active set.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.active))
	copy(out, m.active)
	return out
}

// Contains reports whether symbol is currently active.
func (m *Manager) Contains(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.active {
		if s == symbol {
			return true
		}
	}
	return false
}

// Rotate rescans the universe and installs the new top-N. Symbols removed
// from the active set enter cooldown and cannot re-enter until it expires.
func (m *Manager) Rotate(ctx context.Context) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	scores := m.scan(ctx)
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]string, 0, m.cfg.Capacity)
	for _, s := range scores {
		if len(next) >= m.cfg.Capacity {
			break
		}
		if unlock, cooling := m.cooldowns[s.symbol]; cooling && unlock.After(now) {
			continue
		}
		next = append(next, s.symbol)
	}

	// Removed symbols start their cooldown; expired entries are swept.
	nextSet := make(map[string]struct{}, len(next))
	for _, s := range next {
		nextSet[s] = struct{}{}
	}
	for _, s := range m.active {
		if _, kept := nextSet[s]; !kept {
			m.cooldowns[s] = now.Add(m.cfg.Cooldown)
			m.logger.Info().Str("symbol", s).Time("until", m.cooldowns[s]).Msg("symbol rotated out")
		}
	}
	for sym, unlock := range m.cooldowns {
		if !unlock.After(now) {
			delete(m.cooldowns, sym)
		}
	}

	m.active = next
	m.rotatedAt = now
	m.logger.Info().Strs("active", next).Msg("watchlist rotated")
	return ctx.Err()
}

// scan scores the universe with bounded concurrency. Failures are skipped.
func (m *Manager) scan(ctx context.Context) []scored {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]scored, 0, len(m.cfg.Universe))
		sem     = make(chan struct{}, m.fanOut)
	)
	for _, symbol := range m.cfg.Universe {
		select {
		case <-ctx.Done():
			wg.Wait()
			return results
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()
			score, err := m.scorer.Score(ctx, symbol)
			if err != nil {
				m.logger.Debug().Str("symbol", symbol).Err(err).Msg("score failed, skipping")
				return
			}
			mu.Lock()
			results = append(results, scored{symbol: symbol, score: score})
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()
	return results
}

// Status reports the watchlist state for the control surface.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cooling := make(map[string]time.Time, len(m.cooldowns))
	for k, v := range m.cooldowns {
		cooling[k] = v
	}
	return map[string]interface{}{
		"active":        append([]string(nil), m.active...),
		"capacity":      m.cfg.Capacity,
		"universe_size": len(m.cfg.Universe),
		"cooldowns":     cooling,
		"rotated_at":    m.rotatedAt,
	}
}
