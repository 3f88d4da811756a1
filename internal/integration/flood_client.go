// Package integration handles external service interactions
package integration

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
)

// DefaultBaseURL is the public flood-monitoring API root
const DefaultBaseURL = "https://environment.data.gov.uk/flood-monitoring"

var (
	errUnexpectedStatus = errors.New("unexpected status code")
	errConsumed         = errors.New("readings sequence already consumed")
)

// FloodClientConfig bundles transport and resilience settings
type FloodClientConfig struct {
	BaseURL         string
	HTTPClient      *http.Client
	Retry           RetryPolicy
	RequestTimeout  time.Duration
	ArchiveTimeout  time.Duration
	CallDelay       time.Duration // minimum spacing between calls across all callers
	PageLimit       int
	BreakerFailures int
	BreakerCooldown time.Duration
}

// FloodClient fetches level and rainfall readings from the flood-monitoring API.
// It is safe for concurrent use; all callers share one rate limiter and one circuit breaker.
type FloodClient struct {
	cfg     FloodClientConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewFloodClient creates a new flood-monitoring client
func NewFloodClient(cfg FloodClientConfig) *FloodClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 30 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 2 * time.Minute
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	limit := rate.Inf
	if cfg.CallDelay > 0 {
		limit = rate.Every(cfg.CallDelay)
	}

	failures := uint32(cfg.BreakerFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "flood-monitoring",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Named("integration").Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &FloodClient{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(limit, 1),
		breaker: cb,
	}
}

// FetchLatest returns the most recent reading of a station for the given kind
func (c *FloodClient) FetchLatest(ctx context.Context, stationID string, kind entities.ParameterKind) (entities.Observation, error) {
	u := fmt.Sprintf("%s/id/stations/%s/readings?latest&parameter=%s", c.cfg.BaseURL, url.PathEscape(stationID), kind)

	var page readingsPage
	err := c.fetch(ctx, u, c.cfg.RequestTimeout, func(r io.Reader) error {
		return decodePage(r, &page)
	})
	if err != nil {
		return entities.Observation{}, err
	}

	obs := c.observations(ctx, page, stationID, kind)
	if len(obs) == 0 {
		return entities.Observation{}, fmt.Errorf("latest %s for station %s: %w", kind, stationID, entities.ErrNotAvailable)
	}
	newest := obs[0]
	for _, o := range obs[1:] {
		if o.Timestamp.After(newest.Timestamp) {
			newest = o
		}
	}
	return newest, nil
}

// FetchSince returns a lazy sequence of readings taken after since, following pagination links
// until upstream has no more pages. The sequence can be iterated only once; a failed page ends it
// with a non-nil error.
func (c *FloodClient) FetchSince(ctx context.Context, stationID string, kind entities.ParameterKind, since time.Time) iter.Seq2[entities.Observation, error] {
	first := fmt.Sprintf("%s/id/stations/%s/readings?parameter=%s&since=%s&_sorted&_limit=%d",
		c.cfg.BaseURL, url.PathEscape(stationID), kind,
		url.QueryEscape(since.UTC().Format(time.RFC3339)), c.cfg.PageLimit)

	var used atomic.Bool
	return func(yield func(entities.Observation, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(entities.Observation{}, errConsumed)
			return
		}

		next := first
		for pageNo := 1; next != ""; pageNo++ {
			if err := ctx.Err(); err != nil {
				yield(entities.Observation{}, err)
				return
			}

			var page readingsPage
			err := c.fetch(ctx, next, c.cfg.RequestTimeout, func(r io.Reader) error {
				return decodePage(r, &page)
			})
			if err != nil {
				yield(entities.Observation{}, fmt.Errorf("page %d: %w", pageNo, err))
				return
			}

			for _, o := range c.observations(ctx, page, stationID, kind) {
				if !yield(o, nil) {
					return
				}
			}

			next, err = c.resolve(page.nextLink())
			if err != nil {
				yield(entities.Observation{}, fmt.Errorf("page %d next link: %w: %w", pageNo, entities.ErrMalformedPayload, err))
				return
			}
		}
	}
}

// FetchArchiveDay downloads the full daily archive once and keeps each row whose measure matches
// one of the wanted kinds and whose station is listed under that kind. A missing archive yields
// entities.ErrNotAvailable without retrying.
func (c *FloodClient) FetchArchiveDay(ctx context.Context, day time.Time, wanted map[entities.ParameterKind]map[string]struct{}) ([]entities.Observation, error) {
	u := fmt.Sprintf("%s/archive/readings-full-%s.csv", c.cfg.BaseURL, day.UTC().Format(time.DateOnly))

	var out []entities.Observation
	err := c.fetch(ctx, u, c.cfg.ArchiveTimeout, func(r io.Reader) error {
		rows, err := parseArchive(ctx, r, wanted)
		out = rows
		return err
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b entities.Observation) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// fetch performs one rate-limited, breaker-guarded GET per attempt under the retry policy.
// decode runs while the response body is open.
func (c *FloodClient) fetch(ctx context.Context, rawURL string, timeout time.Duration, decode func(io.Reader) error) error {
	return c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return Permanent(err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result, err := c.breaker.Execute(func() (interface{}, error) {
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
			if err != nil {
				return nil, err
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNotFound {
				_, _ = io.Copy(io.Discard, resp.Body)
				return http.StatusNotFound, nil
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, fmt.Errorf("%w: %d", errUnexpectedStatus, resp.StatusCode)
			}
			if err := decode(resp.Body); err != nil {
				return nil, err
			}
			return resp.StatusCode, nil
		})

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Permanent(fmt.Errorf("%w: %w", entities.ErrSourceUnavailable, err))
		}
		if err != nil {
			return fmt.Errorf("GET %s: %w", rawURL, err)
		}
		if status, _ := result.(int); status == http.StatusNotFound {
			return Permanent(fmt.Errorf("GET %s: %w", rawURL, entities.ErrNotAvailable))
		}
		return nil
	})
}

func (c *FloodClient) resolve(link string) (string, error) {
	if link == "" {
		return "", nil
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return link, nil
	}
	base, err := url.Parse(c.cfg.BaseURL + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// observations converts the page items, dropping and logging malformed ones
func (c *FloodClient) observations(ctx context.Context, page readingsPage, stationID string, kind entities.ParameterKind) []entities.Observation {
	out := make([]entities.Observation, 0, len(page.Items))
	for i, raw := range page.Items {
		obs, err := decodeItem(i, raw, stationID, kind)
		if err != nil {
			logger.C(ctx).Warn().Err(err).Str("kind", kind.String()).Msg("dropping malformed reading")
			continue
		}
		out = append(out, obs)
	}
	return out
}

type readingsPage struct {
	Items      []json.RawMessage `json:"items"`
	Next       string            `json:"next"`
	Pagination *struct {
		Next string `json:"next"`
	} `json:"pagination"`
}

func (p readingsPage) nextLink() string {
	if p.Pagination != nil && p.Pagination.Next != "" {
		return p.Pagination.Next
	}
	return p.Next
}

func decodePage(r io.Reader, page *readingsPage) error {
	*page = readingsPage{}
	if err := json.NewDecoder(r).Decode(page); err != nil {
		return fmt.Errorf("%w: %w", entities.ErrMalformedPayload, err)
	}
	return nil
}

type rawItem struct {
	Value    json.RawMessage `json:"value"`
	DateTime json.RawMessage `json:"dateTime"`
}

// decodeItem applies the strict item schema: value is a JSON number, dateTime an RFC 3339 string
func decodeItem(index int, raw json.RawMessage, stationID string, kind entities.ParameterKind) (entities.Observation, error) {
	var item rawItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return entities.Observation{}, &entities.MalformedItemError{Index: index, Reason: "not an object"}
	}
	if isNull(item.Value) {
		return entities.Observation{}, &entities.MalformedItemError{Index: index, Reason: "missing value"}
	}
	var value float64
	if err := json.Unmarshal(item.Value, &value); err != nil {
		return entities.Observation{}, &entities.MalformedItemError{Index: index, Reason: "value is not a number"}
	}
	if isNull(item.DateTime) {
		return entities.Observation{}, &entities.MalformedItemError{Index: index, Reason: "missing dateTime"}
	}
	var stamp string
	if err := json.Unmarshal(item.DateTime, &stamp); err != nil {
		return entities.Observation{}, &entities.MalformedItemError{Index: index, Reason: "dateTime is not a string"}
	}
	ts, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return entities.Observation{}, &entities.MalformedItemError{Index: index, Reason: fmt.Sprintf("bad dateTime %q", stamp)}
	}

	return entities.Observation{
		StationID: stationID,
		Kind:      kind,
		Value:     value,
		Timestamp: entities.NormalizeTimestamp(ts),
	}, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

var archiveColumns = []string{"stationReference", "measure", "value", "dateTime"}

// parseArchive streams the daily CSV dump and splits the matching rows by kind in one pass
func parseArchive(ctx context.Context, r io.Reader, wanted map[entities.ParameterKind]map[string]struct{}) ([]entities.Observation, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: archive header: %w", entities.ErrMalformedPayload, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range archiveColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%w: archive missing column %q", entities.ErrMalformedPayload, name)
		}
	}
	idx := func(rec []string, name string) string {
		i := col[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	kinds := slices.Sorted(maps.Keys(wanted))
	match := func(station, measure string) (entities.ParameterKind, bool) {
		measure = strings.ToLower(measure)
		for _, k := range kinds {
			if _, ok := wanted[k][station]; ok && strings.Contains(measure, k.String()) {
				return k, true
			}
		}
		return "", false
	}

	var (
		out     []entities.Observation
		dropped int
	)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: archive line %d: %w", entities.ErrMalformedPayload, line, err)
		}

		station := idx(rec, "stationReference")
		kind, ok := match(station, idx(rec, "measure"))
		if !ok {
			continue
		}
		value, err := strconv.ParseFloat(idx(rec, "value"), 64)
		if err != nil {
			dropped++
			continue
		}
		ts, err := time.Parse(time.RFC3339, idx(rec, "dateTime"))
		if err != nil {
			dropped++
			continue
		}
		out = append(out, entities.Observation{
			StationID: station,
			Kind:      kind,
			Value:     value,
			Timestamp: entities.NormalizeTimestamp(ts),
		})
	}
	if dropped > 0 {
		logger.C(ctx).Warn().Int("dropped", dropped).Msg("archive rows dropped as malformed")
	}
	return out, nil
}
