package config

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/abelzeko/riverdipstick/internal/entities"
)

// Catalog is the immutable set of configured stations and their favourable-condition rules
type Catalog struct {
	stations []entities.Station
	byID     map[string]int
	rules    map[string]entities.Rule
}

// NewCatalog builds a catalog from already-parsed stations and rules
func NewCatalog(stations []entities.Station, rules map[string]entities.Rule) (*Catalog, error) {
	c := &Catalog{
		stations: make([]entities.Station, 0, len(stations)),
		byID:     make(map[string]int, len(stations)),
		rules:    make(map[string]entities.Rule, len(rules)),
	}
	for _, st := range stations {
		if st.ID == "" {
			return nil, errors.New("station with empty id")
		}
		if _, dup := c.byID[st.ID]; dup {
			return nil, fmt.Errorf("duplicate station id %s", st.ID)
		}
		c.byID[st.ID] = len(c.stations)
		c.stations = append(c.stations, st)
	}
	for id, r := range rules {
		if err := validate.Struct(r); err != nil {
			return nil, fmt.Errorf("rule for station %s: %w", id, err)
		}
		c.rules[id] = r
	}
	return c, nil
}

// LoadCatalog reads the station CSV and rules JSON files
func LoadCatalog(stationsPath, rulesPath string) (*Catalog, error) {
	sf, err := os.Open(stationsPath)
	if err != nil {
		return nil, fmt.Errorf("open stations file: %w", err)
	}
	defer sf.Close()

	stations, err := ParseStations(sf)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", stationsPath, err)
	}

	rules := map[string]entities.Rule{}
	rf, err := os.Open(rulesPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// no rules file means no station is evaluated
	case err != nil:
		return nil, fmt.Errorf("open rules file: %w", err)
	default:
		defer rf.Close()
		if rules, err = ParseRules(rf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", rulesPath, err)
		}
	}

	return NewCatalog(stations, rules)
}

// ParseStations reads a station CSV with a header row.
// Required columns: river, station_id, label. Optional: lat, lon, rainfall_id.
func ParseStations(r io.Reader) ([]entities.Station, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"river", "station_id", "label"} {
		if _, ok := col[req]; !ok {
			return nil, fmt.Errorf("missing column %q", req)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var stations []entities.Station
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		st := entities.Station{
			ID:                field(rec, "station_id"),
			River:             field(rec, "river"),
			Label:             field(rec, "label"),
			RainfallStationID: field(rec, "rainfall_id"),
		}
		if st.ID == "" {
			return nil, fmt.Errorf("line %d: empty station_id", line)
		}
		if st.Lat, err = optionalFloat(field(rec, "lat")); err != nil {
			return nil, fmt.Errorf("line %d: lat: %w", line, err)
		}
		if st.Lon, err = optionalFloat(field(rec, "lon")); err != nil {
			return nil, fmt.Errorf("line %d: lon: %w", line, err)
		}
		stations = append(stations, st)
	}
	return stations, nil
}

// ParseRules reads the rules JSON keyed by station id
func ParseRules(r io.Reader) (map[string]entities.Rule, error) {
	var raw map[string]struct {
		GoodFishing *entities.Rule `json:"good_fishing"`
	}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	rules := make(map[string]entities.Rule, len(raw))
	for id, entry := range raw {
		if entry.GoodFishing == nil {
			continue
		}
		rules[id] = *entry.GoodFishing
	}
	return rules, nil
}

func optionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Stations returns the configured stations in file order
func (c *Catalog) Stations() []entities.Station {
	out := make([]entities.Station, len(c.stations))
	copy(out, c.stations)
	return out
}

// Station looks up a station by id
func (c *Catalog) Station(id string) (entities.Station, bool) {
	i, ok := c.byID[id]
	if !ok {
		return entities.Station{}, false
	}
	return c.stations[i], true
}

// Rule returns the favourable-condition rule of a station
func (c *Catalog) Rule(stationID string) (entities.Rule, bool) {
	r, ok := c.rules[stationID]
	return r, ok
}

// StationIDs returns the set of level station ids
func (c *Catalog) StationIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(c.stations))
	for _, st := range c.stations {
		ids[st.ID] = struct{}{}
	}
	return ids
}

// RainfallStationIDs returns the set of linked rain gauge ids
func (c *Catalog) RainfallStationIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, st := range c.stations {
		if st.HasRainfall() {
			ids[st.RainfallStationID] = struct{}{}
		}
	}
	return ids
}
