// Package fusion merges the per-store ranked lists into a single ranking
// and optionally re-orders the head of that ranking with an LLM.
package fusion

import (
	"sort"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/model"
)

// originOrder fixes the iteration order over result lists so fusion is
// deterministic regardless of map iteration.
var originOrder = []model.Origin{
	model.OriginVector,
	model.OriginGraph,
	model.OriginRelational,
}

// Fuser combines ranked lists according to the configured strategy. It is
// a pure function of its inputs: fusing the same lists twice yields the
// same ranking.
type Fuser struct {
	cfg config.FusionConfig
}

func NewFuser(cfg config.FusionConfig) *Fuser {
	return &Fuser{cfg: cfg}
}

type candidate struct {
	source  model.Source
	score   float64
	rankSum int
}

// Fuse merges the per-origin lists into one ranking. Sources appearing in
// more than one list are deduplicated by their store key; their
// contributions accumulate.
func (f *Fuser) Fuse(lists map[model.Origin][]model.Source) []model.Source {
	byKey := make(map[string]*candidate)
	var order []string

	for _, origin := range originOrder {
		list := lists[origin]
		if len(list) == 0 {
			continue
		}
		// An origin missing from the weight map defaults to 1; an explicit
		// zero silences that origin's contribution.
		weight, ok := f.cfg.Weights[string(origin)]
		if !ok {
			weight = 1
		}
		native := normalizedNativeScores(list)

		for i, src := range list {
			rank := i + 1
			var contribution float64
			switch f.cfg.Strategy {
			case config.FusionWeighted:
				contribution = weight * native[i]
			case config.FusionBorda:
				contribution = weight * float64(len(list)-i)
			default: // rrf
				contribution = weight / float64(f.cfg.KRRF+rank)
			}

			key := src.DedupKey()
			c, ok := byKey[key]
			if !ok {
				c = &candidate{source: src}
				byKey[key] = c
				order = append(order, key)
			} else {
				mergeScores(&c.source.Scores, src.Scores)
			}
			c.score += contribution
			c.rankSum += rank
		}
	}

	candidates := make([]*candidate, 0, len(order))
	for _, key := range order {
		candidates = append(candidates, byKey[key])
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		as, bs := similarityOf(a.source), similarityOf(b.source)
		if as != bs {
			return as > bs
		}
		if a.rankSum != b.rankSum {
			return a.rankSum < b.rankSum
		}
		return a.source.ID < b.source.ID
	})

	fused := make([]model.Source, len(candidates))
	for i, c := range candidates {
		src := c.source
		src.Rank = i + 1
		fused[i] = src
	}
	return fused
}

// normalizedNativeScores maps each list entry's native ranking signal to
// [0,1] by min-max over the list. Lists without a usable signal fall back
// to a linear position score.
func normalizedNativeScores(list []model.Source) []float64 {
	raw := make([]float64, len(list))
	for i, src := range list {
		switch {
		case src.Scores.Similarity != nil:
			raw[i] = *src.Scores.Similarity
		case src.Scores.GraphDistance != nil:
			raw[i] = 1.0 / float64(1+*src.Scores.GraphDistance)
		case src.Scores.RelationalRank != nil:
			raw[i] = 1.0 / float64(*src.Scores.RelationalRank)
		default:
			raw[i] = float64(len(list)-i) / float64(len(list))
		}
	}

	lo, hi := raw[0], raw[0]
	for _, v := range raw[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		out := make([]float64, len(raw))
		for i := range out {
			out[i] = 1
		}
		return out
	}

	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

// mergeScores fills signals absent on dst from src. First-seen values win.
func mergeScores(dst *model.Scores, src model.Scores) {
	if dst.Similarity == nil {
		dst.Similarity = src.Similarity
	}
	if dst.GraphDistance == nil {
		dst.GraphDistance = src.GraphDistance
	}
	if dst.RelationalRank == nil {
		dst.RelationalRank = src.RelationalRank
	}
	if dst.Quality == nil {
		dst.Quality = src.Quality
	}
}

func similarityOf(src model.Source) float64 {
	if src.Scores.Similarity != nil {
		return *src.Scores.Similarity
	}
	return -1
}
