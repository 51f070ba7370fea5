// Package racingapi reads racecards with per-runner bookmaker prices from a
// racing data API that uses HTTP Basic authentication.
package racingapi

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	platformhttp "github.com/Alias1177/OddsCollector/internal/platform/http"
	"github.com/Alias1177/OddsCollector/internal/providers"
	"github.com/Alias1177/OddsCollector/models"
)

const defaultBaseURL = "https://api.theracingapi.com"

type Client struct {
	id        string
	transport *providers.Transport
	regions   []string
	clock     clock.Clock
	logger    zerolog.Logger
}

type price struct {
	Bookmaker     string  `json:"bookmaker"`
	BookmakerName string  `json:"bookmaker_name"`
	Decimal       float64 `json:"decimal"`
	PlaceDecimal  float64 `json:"place_decimal"`
	Updated       string  `json:"updated"`
}

type runner struct {
	Horse     string  `json:"horse"`
	Number    int     `json:"number"`
	NonRunner bool    `json:"non_runner"`
	Odds      []price `json:"odds"`
}

type racecard struct {
	RaceID  string   `json:"race_id"`
	Course  string   `json:"course"`
	RaceNo  int      `json:"race_no"`
	OffTime string   `json:"off_dt"`
	Runners []runner `json:"runners"`
}

type racecardsResponse struct {
	Racecards []racecard `json:"racecards"`
}

// New creates a client for cfg. Auth must be basic.
func New(cfg models.ProviderConfig, httpClient *platformhttp.Client, clk clock.Clock) (*Client, error) {
	if cfg.Auth.Type != models.AuthBasic {
		return nil, fmt.Errorf("%s: racing api expects basic auth, got %q", cfg.ID, cfg.Auth.Type)
	}
	auth, err := providers.NewAuthenticator(cfg.ID, cfg.Auth, httpClient, clk)
	if err != nil {
		return nil, err
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Client{
		id:        cfg.ID,
		transport: providers.NewTransport(cfg.ID, baseURL, httpClient, auth),
		regions:   cfg.Regions,
		clock:     clk,
		logger:    log.With().Str("component", "racingapi_client").Str("provider", cfg.ID).Logger(),
	}, nil
}

func (c *Client) ID() string { return c.id }

// FetchOdds reads the racecards for the requested day (today when unset).
func (c *Client) FetchOdds(ctx context.Context, req providers.OddsRequest) (*providers.OddsResponse, error) {
	day := req.Date
	if day.IsZero() {
		day = c.clock.Now()
	}

	q := url.Values{}
	q.Set("date", day.UTC().Format("2006-01-02"))
	regions := req.Regions
	if len(regions) == 0 {
		regions = c.regions
	}
	if len(regions) > 0 {
		q.Set("region_codes", strings.Join(regions, ","))
	}

	var payload racecardsResponse
	if _, err := c.transport.GetJSON(ctx, "/v1/racecards/pro", q, &payload); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(req.RaceIDs))
	for _, id := range req.RaceIDs {
		wanted[id] = true
	}

	resp := &providers.OddsResponse{Provider: c.id, FetchedAt: c.clock.Now(), RemainingRequests: -1}
	for _, rc := range payload.Racecards {
		if len(wanted) > 0 && !wanted[rc.RaceID] {
			continue
		}
		resp.Events = append(resp.Events, toEvent(rc, includePlace(req.Markets)))
	}

	c.logger.Debug().Int("events", len(resp.Events)).Msg("Fetched racecards")
	return resp, nil
}

// TestConnection lists courses.
func (c *Client) TestConnection(ctx context.Context) bool {
	var out map[string]interface{}
	if _, err := c.transport.GetJSON(ctx, "/v1/courses", nil, &out); err != nil {
		c.logger.Warn().Err(err).Msg("Connection test failed")
		return false
	}
	return true
}

func includePlace(markets []string) bool {
	if len(markets) == 0 {
		return true
	}
	for _, m := range markets {
		if m == "place" {
			return true
		}
	}
	return false
}

// toEvent pivots runner -> bookmaker prices into bookmaker -> market -> runner.
// Non-runners are left out.
func toEvent(rc racecard, withPlace bool) providers.Event {
	ev := providers.Event{
		ID:         rc.RaceID,
		Venue:      rc.Course,
		RaceNumber: rc.RaceNo,
		Source:     models.SourceAPI,
	}
	if t, err := models.ParseTimestamp(rc.OffTime); err == nil {
		ev.StartTime = t
	}

	books := make(map[string]*providers.BookmakerOdds)
	markets := make(map[string]map[string]*providers.Market)

	for _, r := range rc.Runners {
		if r.NonRunner {
			continue
		}
		for _, p := range r.Odds {
			if p.Bookmaker == "" {
				continue
			}
			b, ok := books[p.Bookmaker]
			if !ok {
				b = &providers.BookmakerOdds{Key: p.Bookmaker, Title: p.BookmakerName}
				books[p.Bookmaker] = b
				markets[p.Bookmaker] = map[string]*providers.Market{}
			}
			updated, _ := models.ParseTimestamp(p.Updated)
			if updated.After(b.LastUpdate) {
				b.LastUpdate = updated
			}
			if p.Decimal > 0 {
				addOutcome(markets[p.Bookmaker], "win", r.Horse, p.Decimal, updated)
			}
			if withPlace && p.PlaceDecimal > 0 {
				addOutcome(markets[p.Bookmaker], "place", r.Horse, p.PlaceDecimal, updated)
			}
		}
	}

	keys := make([]string, 0, len(books))
	for k := range books {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b := books[k]
		for _, label := range []string{"win", "place"} {
			if m, ok := markets[k][label]; ok {
				b.Markets = append(b.Markets, *m)
			}
		}
		ev.Bookmakers = append(ev.Bookmakers, *b)
	}
	return ev
}

func addOutcome(byLabel map[string]*providers.Market, label, horse string, decimal float64, updated time.Time) {
	m, ok := byLabel[label]
	if !ok {
		m = &providers.Market{Key: label}
		byLabel[label] = m
	}
	if updated.After(m.LastUpdate) {
		m.LastUpdate = updated
	}
	m.Outcomes = append(m.Outcomes, providers.Outcome{Name: horse, Price: decimal})
}
