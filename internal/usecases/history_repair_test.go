package usecases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abelzeko/riverdipstick/internal/entities"
)

func TestRepairAllDryRunThenApply(t *testing.T) {
	repo := newMemRepo()
	repo.seed(t,
		lvl("S1", 0, 1.0), lvl("S1", time.Hour, 1.4),
		rain("R1", 0, 0), rain("R1", 30*time.Minute, 2.0),
	)
	cat := testCatalog(t, []entities.Station{gauged, {ID: "S2", River: "Exe"}}, nil)
	h := NewHistoryRepairer(repo, NewGridRepairer(repo), cat, nil, interval)
	ctx := context.Background()

	rep, err := h.RepairAll(ctx, false)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if rep.Series != 3 || rep.Planned != 4 || rep.Inserted != 0 {
		t.Errorf("dry run = %+v, want 3 series and 4 planned", rep)
	}
	if n := repo.count(true); n != 0 {
		t.Fatalf("dry run wrote %d synthetic rows", n)
	}

	rep, err = h.RepairAll(ctx, true)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rep.Inserted != 4 {
		t.Errorf("inserted = %d, want 4", rep.Inserted)
	}
	if o := repo.get(t, "R1", entities.KindRainfall, day0.Add(15*time.Minute)); !o.Synthetic || o.Value != 1.0 {
		t.Errorf("rainfall 00:15 = %+v, want synthetic 1.0", o)
	}

	rep, err = h.RepairAll(ctx, true)
	if err != nil || rep.Planned != 0 || rep.Inserted != 0 {
		t.Errorf("second apply = %+v, %v; want nothing left", rep, err)
	}
}

func TestRepairAllStopsOnStoreFailure(t *testing.T) {
	repo := newMemRepo()
	repo.failWith = errors.New("disk gone")
	cat := testCatalog(t, oneStation(), nil)
	h := NewHistoryRepairer(repo, NewGridRepairer(repo), cat, NewStationLocks(), interval)

	if _, err := h.RepairAll(context.Background(), true); !errors.Is(err, entities.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}
