package predict

import (
	"fmt"
	"testing"
	"time"
)

func trainSequence(p *Predictor, userID string, actions ...string) {
	base := time.Now().Add(-time.Hour)
	for i, a := range actions {
		p.RecordAction(userID, a, base.Add(time.Duration(i)*time.Minute))
	}
}

func TestBigramPredictsFrequentFollower(t *testing.T) {
	p := New(DefaultPredictorConfig())

	// browse is almost always followed by view_product.
	trainSequence(p, "u1",
		"browse", "view_product",
		"browse", "view_product",
		"browse", "view_product",
		"browse", "checkout",
		"browse")

	preds := p.PredictNext("u1", Context{}, 3)
	if len(preds) == 0 {
		t.Fatal("no predictions for a trained user")
	}
	if preds[0].Action != "view_product" {
		t.Errorf("top prediction = %s, want view_product", preds[0].Action)
	}
	if preds[0].Confidence <= 0 || preds[0].Confidence > 1 {
		t.Errorf("confidence out of range: %f", preds[0].Confidence)
	}
}

func TestTrigramSharpensPrediction(t *testing.T) {
	p := New(DefaultPredictorConfig())

	// After the pair (login, browse) the user always checks out, while
	// browse alone usually leads to view_product.
	trainSequence(p, "u1",
		"home", "browse", "view_product",
		"home", "browse", "view_product",
		"home", "browse", "view_product",
		"login", "browse", "checkout",
		"login", "browse", "checkout",
		"login", "browse")

	preds := p.PredictNext("u1", Context{}, 2)
	if len(preds) == 0 {
		t.Fatal("no predictions")
	}
	if preds[0].Action != "checkout" {
		t.Errorf("trigram context should pick checkout, got %s", preds[0].Action)
	}
}

func TestCurrentPageBoostsMatchingAction(t *testing.T) {
	p := New(DefaultPredictorConfig())

	// Even split after browse; the page hint breaks the tie.
	trainSequence(p, "u1",
		"browse", "view_cart",
		"browse", "view_product",
		"browse", "view_cart",
		"browse", "view_product",
		"browse")

	preds := p.PredictNext("u1", Context{CurrentPage: "view_cart"}, 2)
	if len(preds) < 2 {
		t.Fatalf("expected 2 predictions, got %d", len(preds))
	}
	if preds[0].Action != "view_cart" {
		t.Errorf("page match should boost view_cart, got %s", preds[0].Action)
	}
}

func TestUnknownUserGetsNoPredictions(t *testing.T) {
	p := New(DefaultPredictorConfig())
	if preds := p.PredictNext("ghost", Context{}, 5); preds != nil {
		t.Errorf("expected nil predictions, got %v", preds)
	}
}

func TestHistoryRetentionBound(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.MaxActionsPerUser = 10
	p := New(cfg)

	for i := 0; i < 50; i++ {
		p.RecordAction("u1", fmt.Sprintf("action-%d", i), time.Now())
	}

	p.mu.Lock()
	n := len(p.users["u1"].history)
	p.mu.Unlock()
	if n != 10 {
		t.Errorf("history length = %d, want 10", n)
	}
}

func TestPrefetchStoresRegisteredKeys(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.ConfidenceThreshold = 0.3
	p := New(cfg)
	p.RegisterActionKeys("view_product", []string{"products:featured", "products:recent"})

	trainSequence(p, "u1",
		"browse", "view_product",
		"browse", "view_product",
		"browse", "view_product",
		"browse")

	staged := p.Prefetch("u1", Context{}, 3)
	if len(staged) != 2 {
		t.Fatalf("staged %d keys, want 2: %v", len(staged), staged)
	}
	if !p.Consume("products:featured") {
		t.Error("prefetched key not consumable")
	}
	if p.Consume("products:unknown") {
		t.Error("unknown key reported as prefetched")
	}
}

func TestPrefetchRespectsThreshold(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.ConfidenceThreshold = 0.99
	cfg.Adaptive = false
	p := New(cfg)
	p.RegisterActionKeys("view_product", []string{"products:featured"})

	trainSequence(p, "u1", "browse", "view_product", "browse")

	if staged := p.Prefetch("u1", Context{}, 3); len(staged) != 0 {
		t.Errorf("low-confidence prediction staged keys: %v", staged)
	}
}

func TestSlotCapacityEvictsUnusedFirst(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.MaxPrefetchItems = 2
	cfg.ConfidenceThreshold = 0.05
	p := New(cfg)

	for i := 0; i < 3; i++ {
		p.RegisterActionKeys(fmt.Sprintf("a%d", i), []string{fmt.Sprintf("key-%d", i)})
	}
	trainSequence(p, "u1",
		"start", "a0",
		"start", "a0",
		"start", "a1",
		"start", "a2",
		"start")

	p.Prefetch("u1", Context{}, 3)

	p.mu.Lock()
	n := len(p.slot)
	p.mu.Unlock()
	if n > 2 {
		t.Errorf("slot holds %d items, cap is 2", n)
	}
}

func TestExpiredUnusedItemCountsAsMiss(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.PredictedNeed = 10 * time.Millisecond
	cfg.ConfidenceThreshold = 0.1
	p := New(cfg)
	p.RegisterActionKeys("next", []string{"k1"})

	trainSequence(p, "u1", "prev", "next", "prev", "next", "prev")
	if staged := p.Prefetch("u1", Context{}, 3); len(staged) != 1 {
		t.Fatalf("staged %v", staged)
	}

	time.Sleep(20 * time.Millisecond)
	if p.Consume("k1") {
		t.Error("expired item should not be consumable")
	}
}

func TestAdaptiveThresholdRaisesOnPoorHitRate(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.ConfidenceThreshold = 0.5
	p := New(cfg)

	p.mu.Lock()
	for i := 0; i < 10; i++ {
		p.recordSampleLocked(i < 2) // 20% hit rate
	}
	p.mu.Unlock()

	if got := p.Threshold(); got != 0.55 {
		t.Errorf("threshold = %f, want 0.55", got)
	}
}

func TestAdaptiveThresholdLowersOnGoodHitRate(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.ConfidenceThreshold = 0.5
	p := New(cfg)

	p.mu.Lock()
	for i := 0; i < 10; i++ {
		p.recordSampleLocked(i < 9) // 90% hit rate
	}
	p.mu.Unlock()

	if got := p.Threshold(); got != 0.45 {
		t.Errorf("threshold = %f, want 0.45", got)
	}
}

func TestAdaptiveThresholdBounds(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.ConfidenceThreshold = 0.88
	p := New(cfg)

	for round := 0; round < 10; round++ {
		p.mu.Lock()
		for i := 0; i < 10; i++ {
			p.recordSampleLocked(false)
		}
		p.mu.Unlock()
	}
	if got := p.Threshold(); got != 0.9 {
		t.Errorf("threshold cap violated: %f", got)
	}

	cfg.ConfidenceThreshold = 0.32
	p = New(cfg)
	for round := 0; round < 10; round++ {
		p.mu.Lock()
		for i := 0; i < 10; i++ {
			p.recordSampleLocked(true)
		}
		p.mu.Unlock()
	}
	if got := p.Threshold(); got != 0.3 {
		t.Errorf("threshold floor violated: %f", got)
	}
}
