package usecases

import (
	"context"
	"testing"
	"time"

	"github.com/abelzeko/riverdipstick/internal/clock"
	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/entities"
)

var gauged = entities.Station{ID: "S1", River: "Tamar", RainfallStationID: "R1"}

func newTestBackfiller(t *testing.T, rain RainPolicy, rule entities.Rule, archive ArchiveSource, dryRun bool) (*Backfiller, *memRepo, *fakeSource, *recordingNotifier) {
	t.Helper()
	repo := newMemRepo()
	src := newFakeSource()
	notifier := &recordingNotifier{}
	cat := testCatalog(t, []entities.Station{gauged}, map[string]entities.Rule{"S1": rule})
	clk := clock.Fixed(day0.Add(72 * time.Hour))
	p := NewPipeline(src, repo, cat,
		NewGapDetector(repo, clk, DefaultGapRatio),
		NewGridRepairer(repo),
		NewConditionEvaluator(repo, cat, TolerantFalling(2*time.Hour, 4), rain, 24*time.Hour),
		notifier, clk, PipelineOptions{})
	return NewBackfiller(src, archive, p, cat, dryRun), repo, src, notifier
}

func fallingSeries(station string) []entities.Observation {
	return []entities.Observation{
		lvl(station, 0, 1.0),
		lvl(station, 15*time.Minute, 0.9),
		lvl(station, 30*time.Minute, 0.8),
		lvl(station, 45*time.Minute, 0.7),
	}
}

func TestBackfillSince(t *testing.T) {
	b, repo, src, notifier := newTestBackfiller(t, RainIgnored, bandRule, nil, false)
	src.since[sourceKey("S1", entities.KindLevel)] = fallingSeries("S1")
	src.since[sourceKey("R1", entities.KindRainfall)] = []entities.Observation{rain("R1", 0, 0.2), rain("R1", 15*time.Minute, 0.4)}
	ctx := context.Background()

	rep, err := b.BackfillSince(ctx, day0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("BackfillSince: %v", err)
	}
	if rep.Fetched != 6 || rep.Inserted != 6 || rep.Flagged != 1 || rep.Failures != 0 {
		t.Errorf("report = %+v, want 6 fetched and inserted, 1 flagged", rep)
	}
	if o := repo.get(t, "R1", entities.KindRainfall, day0.Add(15*time.Minute)); o.Value != 0.4 {
		t.Errorf("rainfall = %+v", o)
	}
	if len(notifier.calls) != 0 {
		t.Errorf("backfill sent %d notifications", len(notifier.calls))
	}

	rep, err = b.BackfillSince(ctx, day0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("second BackfillSince: %v", err)
	}
	if rep.Inserted != 0 || rep.AlreadyPresent != 6 {
		t.Errorf("second run = %+v, want everything already present", rep)
	}
}

func TestBackfillSinceDryRun(t *testing.T) {
	b, repo, src, _ := newTestBackfiller(t, RainIgnored, bandRule, nil, true)
	src.since[sourceKey("S1", entities.KindLevel)] = fallingSeries("S1")

	rep, err := b.BackfillSince(context.Background(), day0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("BackfillSince: %v", err)
	}
	if rep.Fetched != 4 || rep.Inserted != 0 {
		t.Errorf("report = %+v, want 4 fetched and nothing written", rep)
	}
	if n := repo.count(false); n != 0 {
		t.Errorf("dry run stored %d rows", n)
	}
}

func TestBackfillSinceCountsSourceFailures(t *testing.T) {
	b, _, src, _ := newTestBackfiller(t, RainIgnored, bandRule, nil, false)
	src.err = entities.ErrSourceUnavailable

	rep, err := b.BackfillSince(context.Background(), day0)
	if err != nil {
		t.Fatalf("BackfillSince: %v", err)
	}
	if rep.Failures != 2 {
		t.Errorf("failures = %d, want 2 (rainfall and level)", rep.Failures)
	}
}

func TestBackfillArchiveSkipsMissingDays(t *testing.T) {
	archive := &fakeArchive{days: map[string][]entities.Observation{
		day0.Format(time.DateOnly): append(fallingSeries("S1"), lvl("S9", 0, 3.0)),
	}}
	b, repo, _, _ := newTestBackfiller(t, RainIgnored, bandRule, archive, false)

	rep, err := b.BackfillArchive(context.Background(), day0, day0.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("BackfillArchive: %v", err)
	}
	if rep.Days != 2 || rep.SkippedDays != 1 {
		t.Errorf("days = %d skipped = %d, want 2 and 1", rep.Days, rep.SkippedDays)
	}
	if archive.calls != 2 {
		t.Errorf("archive calls = %d, want one per day", archive.calls)
	}
	if rep.Inserted != 4 || rep.Flagged != 1 {
		t.Errorf("report = %+v, want 4 inserted and 1 flagged", rep)
	}
	if n := repo.count(false); n != 4 {
		t.Errorf("stored %d rows, unconfigured station leaked in", n)
	}
}

func TestBackfillArchiveRecordsRainfallFirst(t *testing.T) {
	rule := bandRule
	rule.RainThreshold = ptr(5)
	levels := fallingSeries("S1")
	// level listed before the rainfall at the same instant
	day := append(levels, rain("R1", 45*time.Minute, 6))
	archive := &fakeArchive{days: map[string][]entities.Observation{day0.Format(time.DateOnly): day}}
	b, repo, _, _ := newTestBackfiller(t, RainRequired, rule, archive, false)

	rep, err := b.BackfillArchive(context.Background(), day0, day0)
	if err != nil {
		t.Fatalf("BackfillArchive: %v", err)
	}
	if rep.Inserted != 5 || rep.Flagged != 1 {
		t.Errorf("report = %+v, want 5 inserted and 1 flagged", rep)
	}
	if archive.calls != 1 {
		t.Errorf("archive downloaded %d times for one day with both kinds, want 1", archive.calls)
	}
	if !repo.get(t, "S1", entities.KindLevel, day0.Add(45*time.Minute)).Favorable {
		t.Error("level evaluated before the rainfall of the same instant was stored")
	}
}

func TestBackfillArchiveWithoutRainGauges(t *testing.T) {
	archive := &fakeArchive{days: map[string][]entities.Observation{day0.Format(time.DateOnly): fallingSeries("S2")}}
	cat, err := config.NewCatalog([]entities.Station{{ID: "S2", River: "Exe"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	repo := newMemRepo()
	p := NewPipeline(newFakeSource(), repo, cat, NewGapDetector(repo, clock.Fixed(day0), 0), NewGridRepairer(repo), nil, nil, clock.Fixed(day0), PipelineOptions{})
	b := NewBackfiller(nil, archive, p, cat, false)

	rep, err := b.BackfillArchive(context.Background(), day0, day0)
	if err != nil || rep.Inserted != 4 || rep.SkippedDays != 0 {
		t.Fatalf("BackfillArchive = %+v, %v", rep, err)
	}
}
