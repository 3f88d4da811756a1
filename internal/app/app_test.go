package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/abelzeko/riverdipstick/internal/api"
	"github.com/abelzeko/riverdipstick/internal/config"
	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/usecases"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCycleAgainstFakeUpstream(t *testing.T) {
	latest := time.Now().UTC().Truncate(15 * time.Minute)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/id/stations/47117/readings" {
			http.NotFound(w, r)
			return
		}
		if _, ok := r.URL.Query()["latest"]; ok {
			fmt.Fprintf(w, `{"items":[{"value":0.512,"dateTime":%q}]}`, latest.Format(time.RFC3339))
			return
		}
		fmt.Fprint(w, `{"items":[]}`)
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "stations.csv"), "river,station_id,label,lat,lon,rainfall_id\nTamar,47117,Gunnislake,50.5314,-4.2224,\n")
	writeFile(t, filepath.Join(dir, "rules.json"), `{"47117":{"good_fishing":{"falling_start":0.9,"falling_end":0.4}}}`)

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(dir, "readings.db"))
	t.Setenv("STATIONS_FILE", filepath.Join(dir, "stations.csv"))
	t.Setenv("RULES_FILE", filepath.Join(dir, "rules.json"))
	t.Setenv("FLOOD_API_BASE", upstream.URL)
	t.Setenv("CALL_DELAY", "0s")
	t.Setenv("RETRY_DELAY", "0s")
	cfg, err := config.FromEnv(config.Env())
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	ctx := context.Background()
	a, err := New(ctx, cfg, api.NopNotifier{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	rep, err := a.Pipeline.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Stations != 1 || rep.Inserted != 1 || rep.Failures != 0 {
		t.Fatalf("report = %+v", rep)
	}

	got, ok, err := a.Repo.Latest(ctx, "47117")
	if err != nil || !ok {
		t.Fatalf("Latest = %v, %v", ok, err)
	}
	if got.Kind != entities.KindLevel || got.Value != 0.512 || !got.Timestamp.Equal(latest) {
		t.Errorf("stored %+v", got)
	}

	rep, err = a.Pipeline.RunCycle(ctx)
	if err != nil || rep.Inserted != 0 {
		t.Errorf("second cycle = %+v, %v; want nothing new", rep, err)
	}

	cov, err := a.Coverage.Report(ctx, 72*time.Hour, cfg.SampleInterval)
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	if len(cov.Stations) != 1 || cov.Stations[0].Real != 1 || cov.Stations[0].Total != 1 || !cov.Stations[0].Gap {
		t.Errorf("coverage = %+v, want one real reading and a gap", cov.Stations)
	}
	if !cov.Stations[0].Latest.Equal(latest) || cov.Stations[0].Freshness != usecases.FreshnessFresh {
		t.Errorf("coverage latest = %s (%s), want %s and fresh", cov.Stations[0].Latest, cov.Stations[0].Freshness, latest)
	}
}

func TestNewRejectsMissingCatalog(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "readings.db"))
	t.Setenv("STATIONS_FILE", filepath.Join(dir, "missing.csv"))
	cfg, err := config.FromEnv(config.Env())
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected an error for a missing stations file")
	}
}

func TestNewNotifierWithoutToken(t *testing.T) {
	n, err := NewNotifier(config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := n.(api.NopNotifier); !ok {
		t.Errorf("notifier = %T, want api.NopNotifier", n)
	}
}
