package usecases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abelzeko/riverdipstick/internal/entities"
)

func TestFallingPolicyClassify(t *testing.T) {
	tolerant := TolerantFalling(2*time.Hour, 4)
	strict := StrictFalling(2*time.Hour, 4)

	cases := []struct {
		name   string
		policy FallingPolicy
		values []float64
		want   bool
	}{
		{"steady fall", tolerant, []float64{1.0, 0.9, 0.8, 0.7}, true},
		{"flat counts as falling", tolerant, []float64{0.8, 0.8, 0.8, 0.8}, true},
		{"one rebound tolerated", tolerant, []float64{1.0, 0.9, 0.95, 0.8}, true},
		{"two rebounds", tolerant, []float64{1.0, 1.1, 0.9, 1.0}, false},
		{"noise under tolerance", tolerant, []float64{1.0, 1.0005, 0.9, 0.95, 0.8}, true},
		{"strict rejects a rebound", strict, []float64{1.0, 0.9, 0.95, 0.8}, false},
		{"strict accepts plateau", strict, []float64{1.0, 0.9, 0.9, 0.8}, true},
		{"too few points", tolerant, []float64{1.0, 0.9, 0.8}, false},
		{"empty", tolerant, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Classify(tc.values); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.values, got, tc.want)
			}
		})
	}
}

func TestParsePolicies(t *testing.T) {
	if p, err := ParseFallingPolicy("strict", time.Hour, 3); err != nil || p.MaxRises != 0 || p.MinPoints != 3 || p.Window != time.Hour {
		t.Errorf("strict = %+v, %v", p, err)
	}
	if p, err := ParseFallingPolicy("", time.Hour, 4); err != nil || p.MaxRises != 1 {
		t.Errorf("default = %+v, %v", p, err)
	}
	if _, err := ParseFallingPolicy("wobbly", time.Hour, 4); err == nil {
		t.Error("unknown falling policy accepted")
	}
	if p, err := ParseRainPolicy("required"); err != nil || p != RainRequired {
		t.Errorf("required = %v, %v", p, err)
	}
	if _, err := ParseRainPolicy("sometimes"); err == nil {
		t.Error("unknown rain policy accepted")
	}
}

var bandRule = entities.Rule{FallingStart: 0.9, FallingEnd: 0.4}

func newTestEvaluator(t *testing.T, repo *memRepo, rain RainPolicy, rule entities.Rule) *ConditionEvaluator {
	t.Helper()
	cat := testCatalog(t,
		[]entities.Station{{ID: "S1", River: "Tamar", RainfallStationID: "R1"}, {ID: "S2", River: "Exe"}},
		map[string]entities.Rule{"S1": rule},
	)
	return NewConditionEvaluator(repo, cat, TolerantFalling(2*time.Hour, 4), rain, 24*time.Hour)
}

func TestEvaluateFavourableWindow(t *testing.T) {
	repo := newMemRepo()
	repo.seed(t, lvl("S1", 0, 1.0), lvl("S1", 15*time.Minute, 0.9), lvl("S1", 30*time.Minute, 0.8), lvl("S1", 45*time.Minute, 0.7))
	e := newTestEvaluator(t, repo, RainIgnored, bandRule)
	ctx := context.Background()

	out, err := e.Evaluate(ctx, lvl("S1", 45*time.Minute, 0.7))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !out.Falling || !out.InBand || out.RainRequired || !out.Favorable {
		t.Fatalf("outcome = %+v, want favourable", out)
	}
	if !repo.get(t, "S1", entities.KindLevel, day0.Add(45*time.Minute)).Favorable {
		t.Error("flag not stored")
	}

	// evaluating again changes nothing
	again, err := e.Evaluate(ctx, lvl("S1", 45*time.Minute, 0.7))
	if err != nil || again != out {
		t.Errorf("second evaluation = %+v, %v; want %+v", again, err, out)
	}

	repo.seed(t, lvl("S1", time.Hour, 0.95))
	out, err = e.Evaluate(ctx, lvl("S1", time.Hour, 0.95))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !out.Falling || out.InBand || out.Favorable {
		t.Errorf("0.95 above the band: outcome = %+v", out)
	}
}

func TestEvaluateNeedsMinimumPoints(t *testing.T) {
	repo := newMemRepo()
	repo.seed(t, lvl("S1", 0, 0.9), lvl("S1", 15*time.Minute, 0.8), lvl("S1", 30*time.Minute, 0.7))
	e := newTestEvaluator(t, repo, RainIgnored, bandRule)

	out, err := e.Evaluate(context.Background(), lvl("S1", 30*time.Minute, 0.7))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Falling || out.Favorable {
		t.Errorf("three points classified as falling: %+v", out)
	}
}

func TestEvaluateMissingRule(t *testing.T) {
	repo := newMemRepo()
	repo.seed(t, lvl("S2", 0, 0.5))
	e := newTestEvaluator(t, repo, RainIgnored, bandRule)

	_, err := e.Evaluate(context.Background(), lvl("S2", 0, 0.5))
	if !errors.Is(err, entities.ErrMissingRule) {
		t.Fatalf("err = %v, want ErrMissingRule", err)
	}
	if repo.get(t, "S2", entities.KindLevel, day0).Favorable {
		t.Error("flag changed for a station without rule")
	}
}

func TestEvaluateRejectsRainfall(t *testing.T) {
	e := newTestEvaluator(t, newMemRepo(), RainIgnored, bandRule)
	if _, err := e.Evaluate(context.Background(), rain("R1", 0, 1)); err == nil {
		t.Fatal("rainfall reading evaluated")
	}
}

func TestEvaluateRainPolicy(t *testing.T) {
	rule := bandRule
	rule.RainThreshold = ptr(5)
	falling := []entities.Observation{lvl("S1", 0, 1.0), lvl("S1", 15*time.Minute, 0.9), lvl("S1", 30*time.Minute, 0.8), lvl("S1", 45*time.Minute, 0.7)}
	target := falling[3]

	t.Run("required and short", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed(t, falling...)
		repo.seed(t, rain("R1", -6*time.Hour, 3))
		// synthetic rainfall never counts towards the total
		repo.seed(t, entities.Observation{StationID: "R1", Kind: entities.KindRainfall, Value: 10, Timestamp: day0.Add(-5 * time.Hour), Synthetic: true})
		// outside the 24h window
		repo.seed(t, rain("R1", -30*time.Hour, 10))

		out, err := newTestEvaluator(t, repo, RainRequired, rule).Evaluate(context.Background(), target)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !out.RainRequired || out.RainOK || out.RainTotal != 3 || out.Favorable {
			t.Errorf("outcome = %+v, want rain total 3 below threshold", out)
		}
	})

	t.Run("required and met", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed(t, falling...)
		repo.seed(t, rain("R1", -6*time.Hour, 3), rain("R1", -time.Hour, 2.5))

		out, err := newTestEvaluator(t, repo, RainRequired, rule).Evaluate(context.Background(), target)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !out.RainOK || !out.Favorable {
			t.Errorf("outcome = %+v, want favourable with rain", out)
		}
	})

	t.Run("ignored", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed(t, falling...)

		out, err := newTestEvaluator(t, repo, RainIgnored, rule).Evaluate(context.Background(), target)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if out.RainRequired || !out.Favorable {
			t.Errorf("outcome = %+v, want favourable without rain", out)
		}
	})

	t.Run("required but rule has no threshold", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed(t, falling...)

		out, err := newTestEvaluator(t, repo, RainRequired, bandRule).Evaluate(context.Background(), target)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if out.RainRequired || !out.Favorable {
			t.Errorf("outcome = %+v, want rain check skipped", out)
		}
	})
}

func TestReevaluatePending(t *testing.T) {
	repo := newMemRepo()
	repo.seed(t, lvl("S1", 0, 1.0), lvl("S1", 15*time.Minute, 0.9), lvl("S1", 30*time.Minute, 0.8), lvl("S1", 45*time.Minute, 0.7))
	e := newTestEvaluator(t, repo, RainIgnored, bandRule)
	ctx := context.Background()

	n, err := e.ReevaluatePending(ctx, "S1", day0)
	if err != nil || n != 1 {
		t.Fatalf("ReevaluatePending = %d, %v; want 1", n, err)
	}
	if !repo.get(t, "S1", entities.KindLevel, day0.Add(45*time.Minute)).Favorable {
		t.Error("last reading not flagged")
	}

	n, err = e.ReevaluatePending(ctx, "S1", day0)
	if err != nil || n != 0 {
		t.Errorf("second pass = %d, %v; want 0", n, err)
	}

	repo.seed(t, lvl("S2", 0, 0.5))
	if n, err := e.ReevaluatePending(ctx, "S2", day0); err != nil || n != 0 {
		t.Errorf("station without rule = %d, %v", n, err)
	}
}

func TestReevaluatePendingStoreFailure(t *testing.T) {
	repo := newMemRepo()
	e := newTestEvaluator(t, repo, RainIgnored, bandRule)
	repo.failWith = errors.New("disk gone")

	if _, err := e.ReevaluatePending(context.Background(), "S1", day0); !errors.Is(err, entities.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestReevaluateAll(t *testing.T) {
	repo := newMemRepo()
	repo.seed(t, lvl("S1", 0, 1.0), lvl("S1", 15*time.Minute, 0.9), lvl("S1", 30*time.Minute, 0.8), lvl("S1", 45*time.Minute, 0.7))
	repo.seed(t, lvl("S2", 0, 0.5))
	e := newTestEvaluator(t, repo, RainIgnored, bandRule)

	n, err := e.ReevaluateAll(context.Background(), day0)
	if err != nil || n != 1 {
		t.Fatalf("ReevaluateAll = %d, %v; want 1", n, err)
	}
}
