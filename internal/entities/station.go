package entities

// Station represents a configured monitoring point
type Station struct {
	ID                string
	River             string
	Label             string
	Lat               *float64
	Lon               *float64
	RainfallStationID string // optional linked rain gauge
}

// HasRainfall reports whether a rain gauge is linked to the station
func (s Station) HasRainfall() bool { return s.RainfallStationID != "" }

// Rule holds the favourable-condition thresholds of a station.
// A level is in band when FallingEnd <= level <= FallingStart.
type Rule struct {
	FallingStart  float64  `json:"falling_start" validate:"gtefield=FallingEnd"`
	FallingEnd    float64  `json:"falling_end"`
	RainThreshold *float64 `json:"rain_threshold,omitempty" validate:"omitempty,gte=0"`
}

// InBand reports whether value lies inside the favourable band, bounds included
func (r Rule) InBand(value float64) bool {
	return r.FallingEnd <= value && value <= r.FallingStart
}
