package usecases

import (
	"context"
	"time"

	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
	"github.com/abelzeko/riverdipstick/internal/repository"
)

// RepairReport summarises a historical repair pass
type RepairReport struct {
	Series   int // station/kind series examined
	Planned  int
	Inserted int
}

// HistoryRepairer fills grid gaps over the whole stored history of every series
type HistoryRepairer struct {
	repo     repository.ReadingRepository
	repairer *GridRepairer
	catalog  *config.Catalog
	locks    *StationLocks
	interval time.Duration
}

// NewHistoryRepairer creates a historical repairer. Passing the pipeline's locks keeps a
// repair pass from interleaving with a running cycle in the same process.
func NewHistoryRepairer(repo repository.ReadingRepository, repairer *GridRepairer, catalog *config.Catalog, locks *StationLocks, interval time.Duration) *HistoryRepairer {
	if locks == nil {
		locks = NewStationLocks()
	}
	return &HistoryRepairer{repo: repo, repairer: repairer, catalog: catalog, locks: locks, interval: interval}
}

// RepairAll repairs the level series of every station and the series of each linked rain gauge
// between their first and last real readings. Without apply it only reports the planned points.
func (h *HistoryRepairer) RepairAll(ctx context.Context, apply bool) (RepairReport, error) {
	var rep RepairReport
	for _, st := range h.catalog.Stations() {
		series := []seriesRef{{st.ID, entities.KindLevel}}
		if st.HasRainfall() {
			series = append(series, seriesRef{st.RainfallStationID, entities.KindRainfall})
		}
		for _, s := range series {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			planned, inserted, err := h.repairSeries(logger.WithStation(ctx, s.id), s.id, s.kind, apply)
			if err != nil {
				return rep, err
			}
			rep.Series++
			rep.Planned += planned
			rep.Inserted += inserted
		}
	}
	return rep, nil
}

func (h *HistoryRepairer) repairSeries(ctx context.Context, stationID string, kind entities.ParameterKind, apply bool) (int, int, error) {
	unlock := h.locks.Lock(stationID)
	defer unlock()

	first, last, ok, err := h.repo.Bounds(ctx, stationID, kind)
	if err != nil || !ok {
		return 0, 0, err
	}

	planned, err := h.repairer.Plan(ctx, stationID, kind, first, last, h.interval)
	if err != nil {
		return 0, 0, err
	}
	log := logger.C(ctx).With().Str("kind", kind.String()).Time("first", first).Time("last", last).Logger()
	if !apply {
		log.Info().Int("planned", len(planned)).Msg("dry run: synthetic points needed")
		return len(planned), 0, nil
	}

	inserted, err := h.repairer.RepairGrid(ctx, stationID, kind, first, last, h.interval)
	if err != nil {
		return len(planned), inserted, err
	}
	log.Info().Int("inserted", inserted).Msg("historical grid repaired")
	return len(planned), inserted, nil
}
