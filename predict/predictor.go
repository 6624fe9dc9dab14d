// Package predict learns per-user action patterns and prefetches the
// data keys those actions will need. Learning is n-gram based (bigram
// and trigram transition counts) blended with hour-of-day and
// day-of-week histograms.
package predict

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edgecore/edgecore/observability"
)

// Config controls learning, scoring, and prefetch.
type Config struct {
	MaxActionsPerUser   int
	MaxPrefetchItems    int
	ConfidenceThreshold float64
	BigramWeight        float64
	TrigramWeight       float64
	TimeWeight          float64
	HourWeight          float64
	WeekdayWeight       float64
	Adaptive            bool
	PredictedNeed       time.Duration
}

// DefaultPredictorConfig returns the documented defaults.
func DefaultPredictorConfig() Config {
	return Config{
		MaxActionsPerUser:   100,
		MaxPrefetchItems:    20,
		ConfidenceThreshold: 0.5,
		BigramWeight:        0.7,
		TrigramWeight:       1.2,
		TimeWeight:          0.3,
		HourWeight:          0.6,
		WeekdayWeight:       0.4,
		Adaptive:            true,
		PredictedNeed:       60 * time.Second,
	}
}

// Context carries the situational hints scoring uses.
type Context struct {
	CurrentPage string
}

// Prediction is one scored candidate action.
type Prediction struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// action is one recorded user action.
type action struct {
	name string
	at   time.Time
}

// userModel holds everything learned about one user.
type userModel struct {
	history  []action
	bigrams  map[string]map[string]int // prev -> next -> count
	trigrams map[string]map[string]int // prev2|prev1 -> next -> count
	hours    [24]map[string]int
	weekdays [7]map[string]int
}

func newUserModel() *userModel {
	return &userModel{
		bigrams:  make(map[string]map[string]int),
		trigrams: make(map[string]map[string]int),
	}
}

// prefetchItem is one slot entry awaiting its predicted use.
type prefetchItem struct {
	key        string
	confidence float64
	storedAt   time.Time
	ttl        time.Duration
	used       bool
}

// Predictor learns patterns and manages the bounded prefetch slot.
type Predictor struct {
	cfg Config

	mu        sync.Mutex
	users     map[string]*userModel
	keysFor   map[string][]string // action -> data keys
	slot      map[string]*prefetchItem
	threshold float64

	// Adaptive threshold sample window.
	sampleHits  int
	sampleTotal int
}

// New creates a predictor with the initial confidence threshold.
func New(cfg Config) *Predictor {
	if cfg.MaxActionsPerUser <= 0 {
		cfg.MaxActionsPerUser = 100
	}
	if cfg.MaxPrefetchItems <= 0 {
		cfg.MaxPrefetchItems = 20
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.5
	}
	if cfg.PredictedNeed <= 0 {
		cfg.PredictedNeed = 60 * time.Second
	}
	p := &Predictor{
		cfg:       cfg,
		users:     make(map[string]*userModel),
		keysFor:   make(map[string][]string),
		slot:      make(map[string]*prefetchItem),
		threshold: cfg.ConfidenceThreshold,
	}
	observability.PredictorThreshold.Set(p.threshold)
	return p
}

// RegisterActionKeys maps an action to the data keys it will need.
func (p *Predictor) RegisterActionKeys(actionName string, keys []string) {
	p.mu.Lock()
	p.keysFor[actionName] = append([]string(nil), keys...)
	p.mu.Unlock()
}

// RecordAction feeds one observed action into the user's model.
func (p *Predictor) RecordAction(userID, actionName string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.users[userID]
	if !ok {
		m = newUserModel()
		p.users[userID] = m
	}

	if n := len(m.history); n >= 1 {
		prev := m.history[n-1].name
		addCount(m.bigrams, prev, actionName)
		if n >= 2 {
			addCount(m.trigrams, m.history[n-2].name+"|"+prev, actionName)
		}
	}

	h := at.Hour()
	if m.hours[h] == nil {
		m.hours[h] = make(map[string]int)
	}
	m.hours[h][actionName]++
	wd := int(at.Weekday())
	if m.weekdays[wd] == nil {
		m.weekdays[wd] = make(map[string]int)
	}
	m.weekdays[wd][actionName]++

	m.history = append(m.history, action{name: actionName, at: at})
	if len(m.history) > p.cfg.MaxActionsPerUser {
		m.history = m.history[len(m.history)-p.cfg.MaxActionsPerUser:]
	}
}

func addCount(table map[string]map[string]int, from, to string) {
	row, ok := table[from]
	if !ok {
		row = make(map[string]int)
		table[from] = row
	}
	row[to]++
}

// PredictNext scores candidate next actions for the user and returns
// the top k with confidences in [0, 1]. An unknown user or a user with
// too little history gets no predictions.
func (p *Predictor) PredictNext(userID string, ctx Context, k int) []Prediction {
	if k <= 0 {
		k = 3
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.users[userID]
	if !ok || len(m.history) < 1 {
		return nil
	}

	scores := make(map[string]float64)
	last := m.history[len(m.history)-1].name

	if row, ok := m.bigrams[last]; ok {
		total := rowTotal(row)
		for next, count := range row {
			scores[next] += p.cfg.BigramWeight * float64(count) / float64(total)
		}
	}
	if len(m.history) >= 2 {
		key := m.history[len(m.history)-2].name + "|" + last
		if row, ok := m.trigrams[key]; ok {
			total := rowTotal(row)
			for next, count := range row {
				scores[next] += p.cfg.TrigramWeight * float64(count) / float64(total)
			}
		}
	}

	// Time-of-day and day-of-week affinity, combined under TimeWeight.
	hourRow := m.hours[now.Hour()]
	weekdayRow := m.weekdays[int(now.Weekday())]
	hourTotal := rowTotal(hourRow)
	weekdayTotal := rowTotal(weekdayRow)
	for candidate := range scores {
		timeScore := 0.0
		if hourTotal > 0 {
			timeScore += p.cfg.HourWeight * float64(hourRow[candidate]) / float64(hourTotal)
		}
		if weekdayTotal > 0 {
			timeScore += p.cfg.WeekdayWeight * float64(weekdayRow[candidate]) / float64(weekdayTotal)
		}
		scores[candidate] += p.cfg.TimeWeight * timeScore
	}

	if ctx.CurrentPage != "" {
		for candidate := range scores {
			if strings.Contains(candidate, ctx.CurrentPage) || strings.Contains(ctx.CurrentPage, candidate) {
				scores[candidate] *= 1.2
			}
		}
	}

	// Normalize into [0, 1] against the maximum attainable weight sum.
	maxScore := (p.cfg.BigramWeight + p.cfg.TrigramWeight + p.cfg.TimeWeight) * 1.2
	out := make([]Prediction, 0, len(scores))
	for candidate, score := range scores {
		conf := score / maxScore
		if conf > 1 {
			conf = 1
		}
		out = append(out, Prediction{Action: candidate, Confidence: conf})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Action < out[j].Action
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Prefetch predicts for the user and stores the data keys of every
// prediction at or above the current threshold. Returns the keys it
// staged.
func (p *Predictor) Prefetch(userID string, ctx Context, k int) []string {
	predictions := p.PredictNext(userID, ctx, k)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked(time.Now())

	var staged []string
	for _, pred := range predictions {
		if pred.Confidence < p.threshold {
			continue
		}
		for _, key := range p.keysFor[pred.Action] {
			if item, ok := p.slot[key]; ok {
				if pred.Confidence > item.confidence {
					item.confidence = pred.Confidence
				}
				continue
			}
			p.evictForRoomLocked()
			p.slot[key] = &prefetchItem{
				key:        key,
				confidence: pred.Confidence,
				storedAt:   time.Now(),
				ttl:        p.cfg.PredictedNeed,
			}
			staged = append(staged, key)
			observability.PredictorPrefetches.Inc()
		}
	}
	return staged
}

// Consume checks the slot for a key at request time. A present key is
// a prefetch hit and feeds the adaptive threshold.
func (p *Predictor) Consume(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked(time.Now())

	item, ok := p.slot[key]
	if !ok {
		return false
	}
	if !item.used {
		item.used = true
		observability.PredictorHits.Inc()
		p.recordSampleLocked(true)
	}
	return true
}

// sweepLocked expires slot items; an expired unused item is a miss.
func (p *Predictor) sweepLocked(now time.Time) {
	for key, item := range p.slot {
		if now.Sub(item.storedAt) <= item.ttl {
			continue
		}
		if !item.used {
			observability.PredictorMisses.Inc()
			p.recordSampleLocked(false)
		}
		delete(p.slot, key)
	}
}

// evictForRoomLocked frees one slot entry when the slot is full:
// unused before used, then lowest confidence, then oldest.
func (p *Predictor) evictForRoomLocked() {
	if len(p.slot) < p.cfg.MaxPrefetchItems {
		return
	}
	var victim *prefetchItem
	for _, item := range p.slot {
		if victim == nil {
			victim = item
			continue
		}
		if item.used != victim.used {
			if !item.used {
				victim = item
			}
			continue
		}
		if item.confidence != victim.confidence {
			if item.confidence < victim.confidence {
				victim = item
			}
			continue
		}
		if item.storedAt.Before(victim.storedAt) {
			victim = item
		}
	}
	if victim != nil {
		delete(p.slot, victim.key)
	}
}

// recordSampleLocked feeds the adaptive threshold. After a sample of at
// least ten outcomes: hit-rate below 0.5 raises the threshold by 0.05
// (cap 0.9); above 0.7 lowers it by 0.05 (floor 0.3).
func (p *Predictor) recordSampleLocked(hit bool) {
	if !p.cfg.Adaptive {
		return
	}
	p.sampleTotal++
	if hit {
		p.sampleHits++
	}
	if p.sampleTotal < 10 {
		return
	}

	rate := float64(p.sampleHits) / float64(p.sampleTotal)
	switch {
	case rate < 0.5:
		p.threshold += 0.05
		if p.threshold > 0.9 {
			p.threshold = 0.9
		}
	case rate > 0.7:
		p.threshold -= 0.05
		if p.threshold < 0.3 {
			p.threshold = 0.3
		}
	}
	observability.PredictorThreshold.Set(p.threshold)
	p.sampleHits = 0
	p.sampleTotal = 0
}

// Threshold returns the current prefetch confidence threshold.
func (p *Predictor) Threshold() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threshold
}

// Stats is a snapshot of predictor state.
type Stats struct {
	Users     int     `json:"users"`
	SlotItems int     `json:"slot_items"`
	Threshold float64 `json:"threshold"`
}

// Stats returns a snapshot of predictor state.
func (p *Predictor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Users: len(p.users), SlotItems: len(p.slot), Threshold: p.threshold}
}

func rowTotal(row map[string]int) int {
	total := 0
	for _, c := range row {
		total += c
	}
	return total
}
