package strategy

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INSTRUMENT SCORER - Funding / open interest / positioning ranking
// ═══════════════════════════════════════════════════════════════════════════════
//
// score = -|funding|×100 + openInterest×0.1 + 10×|longShortRatio-1|
//
// A failed sub-metric falls back to its neutral value (funding 0, OI 0,
// ratio 1) and the instrument is still scored. After DegradeAfter consecutive
// passes with failures its score drops to DegradedScore.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// DegradeAfter is the number of consecutive failing passes before demotion
	DegradeAfter = 3
	// maxConcurrentFetches bounds metric lookups per pass
	maxConcurrentFetches = 4
)

// DegradedScore ranks below every real score
var DegradedScore = -math.MaxFloat64

// MetricsSource fetches derivatives positioning data for one instrument
type MetricsSource interface {
	FundingRate(ctx context.Context, instrument string) (float64, error)
	OpenInterest(ctx context.Context, instrument string) (float64, error)
	LongShortRatio(ctx context.Context, instrument string) (float64, error)
}

// Scorer ranks the universe. Results of one pass supersede the previous pass.
type Scorer struct {
	source MetricsSource

	mu       sync.RWMutex
	failures map[string]int // consecutive failing passes
	latest   map[string]types.InstrumentScore
}

// NewScorer creates a scorer backed by source
func NewScorer(source MetricsSource) *Scorer {
	return &Scorer{
		source:   source,
		failures: make(map[string]int),
		latest:   make(map[string]types.InstrumentScore),
	}
}

// Compute applies the score formula to raw metrics
func Compute(funding, openInterest, ratio float64) (total, fundingScore, oiScore, positioning float64) {
	fundingScore = -math.Abs(funding) * 100
	oiScore = openInterest * 0.1
	positioning = 10 * math.Abs(ratio-1)
	return fundingScore + oiScore + positioning, fundingScore, oiScore, positioning
}

// Score fetches metrics and scores one instrument
func (s *Scorer) Score(ctx context.Context, instrument string) types.InstrumentScore {
	funding, oi, ratio := 0.0, 0.0, 1.0
	failed := 0

	if v, err := s.source.FundingRate(ctx, instrument); err != nil {
		failed++
		log.Warn().Err(err).Str("instrument", instrument).Msg("funding rate unavailable, using neutral")
	} else {
		funding = v
	}
	if v, err := s.source.OpenInterest(ctx, instrument); err != nil {
		failed++
		log.Warn().Err(err).Str("instrument", instrument).Msg("open interest unavailable, using neutral")
	} else {
		oi = v
	}
	if v, err := s.source.LongShortRatio(ctx, instrument); err != nil {
		failed++
		log.Warn().Err(err).Str("instrument", instrument).Msg("long/short ratio unavailable, using neutral")
	} else {
		ratio = v
	}

	total, fs, ois, ps := Compute(funding, oi, ratio)
	score := types.InstrumentScore{
		Instrument:       instrument,
		Score:            total,
		FundingRate:      funding,
		OpenInterest:     oi,
		LongShortRatio:   ratio,
		FundingScore:     fs,
		OIScore:          ois,
		PositioningScore: ps,
		MetricFailures:   failed,
		ComputedAt:       time.Now().UTC(),
	}

	s.mu.Lock()
	if failed > 0 {
		s.failures[instrument]++
	} else {
		s.failures[instrument] = 0
	}
	if s.failures[instrument] >= DegradeAfter {
		score.Degraded = true
		score.Score = DegradedScore
	}
	s.mu.Unlock()

	return score
}

// Scan scores every instrument and replaces the previous pass
func (s *Scorer) Scan(ctx context.Context, instruments []string, topN int) types.ScoreBatch {
	scores := make([]types.InstrumentScore, len(instruments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, inst := range instruments {
		i, inst := i, inst
		g.Go(func() error {
			scores[i] = s.Score(gctx, inst)
			return nil
		})
	}
	_ = g.Wait()

	latest := make(map[string]types.InstrumentScore, len(scores))
	for _, sc := range scores {
		latest[sc.Instrument] = sc
	}
	s.mu.Lock()
	s.latest = latest
	s.mu.Unlock()

	batch := types.ScoreBatch{
		ID:         uuid.NewString(),
		Scores:     scores,
		Selected:   s.SelectTop(topN),
		ComputedAt: time.Now().UTC(),
	}

	log.Info().
		Int("instruments", len(instruments)).
		Strs("selected", batch.Selected).
		Msg("📊 Scan complete")
	return batch
}

// SelectTop returns up to n instruments by score descending, ties by id.
// Degraded instruments are excluded while any healthy one exists.
func (s *Scorer) SelectTop(n int) []string {
	s.mu.RLock()
	scores := make([]types.InstrumentScore, 0, len(s.latest))
	for _, sc := range s.latest {
		scores = append(scores, sc)
	}
	s.mu.RUnlock()

	return RankTop(scores, n)
}

// RankTop orders scores and picks the top n
func RankTop(scores []types.InstrumentScore, n int) []string {
	healthy := make([]types.InstrumentScore, 0, len(scores))
	for _, sc := range scores {
		if !sc.Degraded {
			healthy = append(healthy, sc)
		}
	}
	if len(healthy) > 0 {
		scores = healthy
	} else {
		scores = append([]types.InstrumentScore(nil), scores...)
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Instrument < scores[j].Instrument
	})

	if n <= 0 {
		return []string{}
	}
	if n > len(scores) {
		n = len(scores)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = scores[i].Instrument
	}
	return out
}

// Latest returns the score from the most recent pass
func (s *Scorer) Latest(instrument string) (types.InstrumentScore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.latest[instrument]
	return sc, ok
}
