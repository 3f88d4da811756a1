package usecases

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
)

// ArchiveSource serves full daily dumps of every station's readings. One call
// downloads a day once and keeps the rows whose station is listed under their kind.
type ArchiveSource interface {
	FetchArchiveDay(ctx context.Context, day time.Time, wanted map[entities.ParameterKind]map[string]struct{}) ([]entities.Observation, error)
}

// BackfillReport summarises a backfill run
type BackfillReport struct {
	Fetched        int
	Inserted       int
	AlreadyPresent int
	Flagged        int
	Days           int
	SkippedDays    int
	Failures       int
}

func (r *BackfillReport) add(res RecordResult) {
	switch res.Insert {
	case entities.Inserted:
		r.Inserted++
	case entities.AlreadyPresent:
		r.AlreadyPresent++
	}
	if res.Outcome != nil && res.Outcome.Favorable {
		r.Flagged++
	}
}

type seriesRef struct {
	id   string
	kind entities.ParameterKind
}

// Backfiller loads historical readings through the pipeline, either from the paginated feed or
// from the daily archive. In dry-run mode it only counts what it would record.
type Backfiller struct {
	source   Source
	archive  ArchiveSource
	pipeline *Pipeline
	catalog  *config.Catalog
	dryRun   bool
}

// NewBackfiller creates a backfiller
func NewBackfiller(source Source, archive ArchiveSource, pipeline *Pipeline, catalog *config.Catalog, dryRun bool) *Backfiller {
	return &Backfiller{source: source, archive: archive, pipeline: pipeline, catalog: catalog, dryRun: dryRun}
}

// BackfillSince fetches everything after since for every station and its rain gauge
func (b *Backfiller) BackfillSince(ctx context.Context, since time.Time) (BackfillReport, error) {
	var rep BackfillReport
	for _, st := range b.catalog.Stations() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		var targets []seriesRef
		if st.HasRainfall() {
			// rainfall first so level evaluation can see it
			targets = append(targets, seriesRef{st.RainfallStationID, entities.KindRainfall})
		}
		targets = append(targets, seriesRef{st.ID, entities.KindLevel})

		for _, tgt := range targets {
			sctx := logger.WithStation(ctx, tgt.id)
			obs, err := collectSorted(b.source.FetchSince(sctx, tgt.id, tgt.kind, since))
			if err != nil {
				rep.Failures++
				logger.C(sctx).Warn().Err(err).Str("stage", stageBackfill).Str("kind", tgt.kind.String()).Msg("backfill fetch failed")
			}
			if err := b.record(sctx, obs, &rep); err != nil {
				return rep, err
			}
		}
	}
	return rep, nil
}

// BackfillArchive walks the daily archives covering [from, to]. Days without an archive are skipped.
func (b *Backfiller) BackfillArchive(ctx context.Context, from, to time.Time) (BackfillReport, error) {
	var rep BackfillReport
	wanted := make(map[entities.ParameterKind]map[string]struct{}, 2)
	if ids := b.catalog.RainfallStationIDs(); len(ids) > 0 {
		wanted[entities.KindRainfall] = ids
	}
	if ids := b.catalog.StationIDs(); len(ids) > 0 {
		wanted[entities.KindLevel] = ids
	}
	if len(wanted) == 0 {
		return rep, nil
	}

	for day := from.UTC().Truncate(24 * time.Hour); !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Days++
		log := logger.C(ctx).With().Str("day", day.Format(time.DateOnly)).Logger()

		dayObs, err := b.archive.FetchArchiveDay(ctx, day, wanted)
		if errors.Is(err, entities.ErrNotAvailable) {
			log.Info().Msg("no archive for day")
			rep.SkippedDays++
			continue
		}
		if err != nil {
			rep.Failures++
			log.Warn().Err(err).Str("stage", stageBackfill).Msg("archive fetch failed")
			continue
		}

		// rainfall sorts before level at equal instants
		slices.SortStableFunc(dayObs, func(x, y entities.Observation) int {
			if c := x.Timestamp.Compare(y.Timestamp); c != 0 {
				return c
			}
			if x.Kind == y.Kind {
				return 0
			}
			if x.Kind == entities.KindRainfall {
				return -1
			}
			return 1
		})
		if err := b.record(ctx, dayObs, &rep); err != nil {
			return rep, err
		}
		log.Debug().Int("rows", len(dayObs)).Msg("archive day processed")
	}
	return rep, nil
}

func (b *Backfiller) record(ctx context.Context, obs []entities.Observation, rep *BackfillReport) error {
	rep.Fetched += len(obs)
	if b.dryRun {
		return nil
	}
	for _, o := range obs {
		res, err := b.pipeline.RecordHistorical(ctx, o)
		if err != nil {
			return err
		}
		rep.add(res)
	}
	return nil
}
