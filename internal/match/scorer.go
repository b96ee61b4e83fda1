// Package match ranks CRM records against the identity signals of a meeting
// participant. Matching proceeds through ordered tiers, strongest signal
// first; a weaker tier is consulted only when no stronger tier produced a
// high-confidence result.
package match

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"meetsync-server/internal/domain"
)

const (
	// DefaultConfidenceFloor discards candidates the orchestrator should
	// never see.
	DefaultConfidenceFloor = 0.3

	// DefaultTieWindow is the confidence band within which candidates are
	// considered tied.
	DefaultTieWindow = 0.05

	confExactEmail  = 1.0
	confNameCompany = 0.8
	// Composite-key confidence when the company signal is missing and the
	// key degrades to name only.
	confNameOnly = 0.6

	confDomainBase = 0.5
	confDomainCap  = 0.7
	confFuzzyCap   = 0.6

	// A tier result at or above this stops progression to weaker tiers.
	highConfidence = 0.8
)

type Config struct {
	ConfidenceFloor float64
	TieWindow       float64

	// Domains maps a known email domain to the normalized company key it
	// belongs to, e.g. "acme.io" -> "acme corp".
	Domains map[string]string
}

// Scorer is stateless per call and performs no I/O; candidate pools and the
// company-domain table are injected.
type Scorer struct {
	floor     float64
	tieWindow float64
	domains   map[string]string
}

func NewScorer(cfg Config) *Scorer {
	floor := cfg.ConfidenceFloor
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	window := cfg.TieWindow
	if window <= 0 {
		window = DefaultTieWindow
	}
	domains := make(map[string]string, len(cfg.Domains))
	for d, company := range cfg.Domains {
		domains[normalizeEmail(d)] = normalizeKey(company)
	}
	return &Scorer{floor: floor, tieWindow: window, domains: domains}
}

// Score returns candidates ordered by descending confidence. Candidates
// below the confidence floor are discarded. When the leading candidates tie
// within the tie window, the one with the most recent prior interaction
// ranks first; if recency cannot break the tie either, every tied candidate
// is flagged ambiguous rather than silently picking one.
func (s *Scorer) Score(src domain.SignalSet, pool []domain.CandidateRecord) []domain.MatchCandidate {
	now := time.Now()
	byTarget := make(map[string]domain.MatchCandidate)

	keep := func(c domain.MatchCandidate) {
		prev, ok := byTarget[c.TargetID]
		if !ok || c.Confidence > prev.Confidence {
			byTarget[c.TargetID] = c
		}
	}

	tiers := []func(domain.SignalSet, domain.CandidateRecord) (float64, domain.MatchTier, []domain.SignalContribution){
		s.scoreExactEmail,
		s.scoreNameCompany,
		s.scoreDomain,
		s.scoreFuzzy,
	}

	for _, tier := range tiers {
		tierBest := 0.0
		for _, cand := range pool {
			if cand.EntityType != "" && src.EntityType != "" && cand.EntityType != src.EntityType {
				continue
			}
			conf, name, breakdown := tier(src, cand)
			if conf <= 0 {
				continue
			}
			if conf > tierBest {
				tierBest = conf
			}
			keep(domain.MatchCandidate{
				ID:         uuid.New().String(),
				SourceID:   src.SourceID,
				TargetID:   cand.RemoteID,
				EntityType: cand.EntityType,
				Confidence: conf,
				Tier:       name,
				Breakdown:  breakdown,
				CreatedAt:  now,
			})
		}
		if tierBest >= highConfidence {
			break
		}
	}

	out := make([]domain.MatchCandidate, 0, len(byTarget))
	for _, c := range byTarget {
		if c.Confidence >= s.floor {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}

	recency := make(map[string]time.Time, len(pool))
	for _, cand := range pool {
		recency[cand.RemoteID] = cand.LastInteractionAt
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return recency[out[i].TargetID].After(recency[out[j].TargetID])
	})

	s.flagAmbiguous(out, recency)
	return out
}

// flagAmbiguous marks the leading group ambiguous when confidence ties
// within the window and prior-interaction recency cannot separate them.
func (s *Scorer) flagAmbiguous(ranked []domain.MatchCandidate, recency map[string]time.Time) {
	if len(ranked) < 2 {
		return
	}
	best := ranked[0].Confidence
	group := 1
	for group < len(ranked) && best-ranked[group].Confidence <= s.tieWindow {
		group++
	}
	if group < 2 {
		return
	}
	top := recency[ranked[0].TargetID]
	for i := 1; i < group; i++ {
		if !recency[ranked[i].TargetID].Equal(top) {
			return
		}
	}
	for i := 0; i < group; i++ {
		ranked[i].Ambiguous = true
	}
}

func (s *Scorer) scoreExactEmail(src domain.SignalSet, cand domain.CandidateRecord) (float64, domain.MatchTier, []domain.SignalContribution) {
	if src.Email == "" || cand.Email == "" {
		return 0, "", nil
	}
	if normalizeEmail(src.Email) != normalizeEmail(cand.Email) {
		return 0, "", nil
	}
	return confExactEmail, domain.TierExactEmail, []domain.SignalContribution{
		{Signal: "email", Weight: confExactEmail},
	}
}

func (s *Scorer) scoreNameCompany(src domain.SignalSet, cand domain.CandidateRecord) (float64, domain.MatchTier, []domain.SignalContribution) {
	if src.Name == "" || cand.Name == "" {
		return 0, "", nil
	}
	if normalizeKey(src.Name) != normalizeKey(cand.Name) {
		return 0, "", nil
	}
	if src.Company != "" && cand.Company != "" {
		if normalizeKey(src.Company) != normalizeKey(cand.Company) {
			return 0, "", nil
		}
		return confNameCompany, domain.TierNameCompany, []domain.SignalContribution{
			{Signal: "name", Weight: confNameCompany / 2},
			{Signal: "company", Weight: confNameCompany / 2},
		}
	}
	// Company missing on either side: the composite key degrades to name
	// only with proportionally reduced confidence.
	return confNameOnly, domain.TierNameCompany, []domain.SignalContribution{
		{Signal: "name", Weight: confNameOnly},
	}
}

func (s *Scorer) scoreDomain(src domain.SignalSet, cand domain.CandidateRecord) (float64, domain.MatchTier, []domain.SignalContribution) {
	dom := emailDomain(src.Email)
	if dom == "" {
		return 0, "", nil
	}
	company, known := s.domains[dom]
	if !known || cand.Company == "" || normalizeKey(cand.Company) != company {
		return 0, "", nil
	}

	conf := confDomainBase
	breakdown := []domain.SignalContribution{{Signal: "domain", Weight: confDomainBase}}

	if src.Phone != "" && cand.Phone != "" && normalizePhone(src.Phone) == normalizePhone(cand.Phone) {
		conf += 0.1
		breakdown = append(breakdown, domain.SignalContribution{Signal: "phone", Weight: 0.1})
	}
	if sim := tokenSimilarity(src.Name, cand.Name); sim >= 0.5 {
		conf += 0.1
		breakdown = append(breakdown, domain.SignalContribution{Signal: "name_similarity", Weight: 0.1})
	}
	if conf > confDomainCap {
		conf = confDomainCap
	}
	return conf, domain.TierDomain, breakdown
}

func (s *Scorer) scoreFuzzy(src domain.SignalSet, cand domain.CandidateRecord) (float64, domain.MatchTier, []domain.SignalContribution) {
	sim := tokenSimilarity(src.Name, cand.Name)
	if sim == 0 {
		return 0, "", nil
	}

	conf := 0.45 * sim
	breakdown := []domain.SignalContribution{{Signal: "name_similarity", Weight: conf}}

	if src.Phone != "" && cand.Phone != "" && normalizePhone(src.Phone) == normalizePhone(cand.Phone) {
		conf += 0.1
		breakdown = append(breakdown, domain.SignalContribution{Signal: "phone", Weight: 0.1})
	}
	if src.Social != "" && cand.Social != "" && normalizeKey(src.Social) == normalizeKey(cand.Social) {
		conf += 0.05
		breakdown = append(breakdown, domain.SignalContribution{Signal: "social", Weight: 0.05})
	}
	if conf > confFuzzyCap {
		conf = confFuzzyCap
	}
	return conf, domain.TierFuzzy, breakdown
}
