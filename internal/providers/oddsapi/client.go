// Package oddsapi is the client for the odds aggregation API that returns
// nested event -> bookmaker -> market -> outcome payloads, authenticated with an
// API key in the query string.
package oddsapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	platformhttp "github.com/Alias1177/OddsCollector/internal/platform/http"
	"github.com/Alias1177/OddsCollector/internal/providers"
	"github.com/Alias1177/OddsCollector/models"
)

const (
	defaultBaseURL = "https://api.the-odds-api.com"
	defaultSport   = "horse_racing"
	defaultRegions = "au,uk"
)

// Client is the odds API client
type Client struct {
	id        string
	transport *providers.Transport
	regions   []string
	clock     clock.Clock
	logger    zerolog.Logger
}

type outcome struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type market struct {
	Key        string    `json:"key"`
	LastUpdate string    `json:"last_update"`
	Outcomes   []outcome `json:"outcomes"`
}

type bookmaker struct {
	Key        string   `json:"key"`
	Title      string   `json:"title"`
	LastUpdate string   `json:"last_update"`
	Markets    []market `json:"markets"`
}

type event struct {
	ID           string      `json:"id"`
	SportKey     string      `json:"sport_key"`
	CommenceTime string      `json:"commence_time"`
	Venue        string      `json:"venue"`
	RaceNumber   int         `json:"race_number"`
	Bookmakers   []bookmaker `json:"bookmakers"`
}

// New creates a client for cfg. Auth must be api_key.
func New(cfg models.ProviderConfig, httpClient *platformhttp.Client, clk clock.Clock) (*Client, error) {
	if cfg.Auth.Type != models.AuthAPIKey {
		return nil, fmt.Errorf("%s: odds api expects api_key auth, got %q", cfg.ID, cfg.Auth.Type)
	}
	if cfg.Auth.APIKeyParam == "" {
		cfg.Auth.APIKeyParam = "apiKey"
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
		logger:    log.With().Str("component", "oddsapi_client").Str("provider", cfg.ID).Logger(),
	}, nil
}

func (c *Client) ID() string { return c.id }

// FetchOdds fetches decimal odds for every upcoming race of the sport.
func (c *Client) FetchOdds(ctx context.Context, req providers.OddsRequest) (*providers.OddsResponse, error) {
	sport := req.Sport
	if sport == "" {
		sport = defaultSport
	}

	q := url.Values{}
	q.Set("regions", c.regionParam(req.Regions))
	q.Set("markets", marketParam(req.Markets))
	q.Set("oddsFormat", "decimal")
	q.Set("dateFormat", "iso")
	if len(req.RaceIDs) > 0 {
		q.Set("eventIds", strings.Join(req.RaceIDs, ","))
	}

	var payload []event
	header, err := c.transport.GetJSON(ctx, "/v4/sports/"+url.PathEscape(sport)+"/odds", q, &payload)
	if err != nil {
		return nil, err
	}

	resp := &providers.OddsResponse{
		Provider:          c.id,
		FetchedAt:         c.clock.Now(),
		RemainingRequests: -1,
	}
	if remaining := header.Get("x-requests-remaining"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			resp.RemainingRequests = n
		}
	}

	for _, ev := range payload {
		if !req.Date.IsZero() && !sameDay(ev.CommenceTime, req.Date) {
			continue
		}
		resp.Events = append(resp.Events, c.toEvent(ev))
	}

	c.logger.Debug().Int("events", len(resp.Events)).Int("remaining", resp.RemainingRequests).Msg("Fetched odds")
	return resp, nil
}

// TestConnection lists sports, which costs no quota.
func (c *Client) TestConnection(ctx context.Context) bool {
	var sports []map[string]interface{}
	if _, err := c.transport.GetJSON(ctx, "/v4/sports", nil, &sports); err != nil {
		c.logger.Warn().Err(err).Msg("Connection test failed")
		return false
	}
	return true
}

func (c *Client) regionParam(requested []string) string {
	switch {
	case len(requested) > 0:
		return strings.Join(requested, ",")
	case len(c.regions) > 0:
		return strings.Join(c.regions, ",")
	}
	return defaultRegions
}

// marketParam maps market labels onto the API's names; "win" is "h2h" there.
func marketParam(markets []string) string {
	if len(markets) == 0 {
		return "h2h,h2h_place"
	}
	out := make([]string, 0, len(markets))
	for _, m := range markets {
		switch m {
		case "win":
			out = append(out, "h2h")
		case "place":
			out = append(out, "h2h_place")
		default:
			out = append(out, m)
		}
	}
	return strings.Join(out, ",")
}

func marketLabel(key string) string {
	switch key {
	case "h2h":
		return "win"
	case "h2h_place":
		return "place"
	}
	return key
}

func (c *Client) toEvent(ev event) providers.Event {
	out := providers.Event{
		ID:         ev.ID,
		Venue:      ev.Venue,
		RaceNumber: ev.RaceNumber,
		Source:     models.SourceAPI,
	}
	if t, err := models.ParseTimestamp(ev.CommenceTime); err == nil {
		out.StartTime = t
	}
	for _, b := range ev.Bookmakers {
		bo := providers.BookmakerOdds{Key: b.Key, Title: b.Title}
		if t, err := models.ParseTimestamp(b.LastUpdate); err == nil {
			bo.LastUpdate = t
		}
		for _, m := range b.Markets {
			mk := providers.Market{Key: marketLabel(m.Key)}
			if t, err := models.ParseTimestamp(m.LastUpdate); err == nil {
				mk.LastUpdate = t
			}
			for _, o := range m.Outcomes {
				mk.Outcomes = append(mk.Outcomes, providers.Outcome{Name: o.Name, Price: o.Price})
			}
			bo.Markets = append(bo.Markets, mk)
		}
		out.Bookmakers = append(out.Bookmakers, bo)
	}
	return out
}

func sameDay(ts string, day time.Time) bool {
	t, err := models.ParseTimestamp(ts)
	if err != nil {
		return true
	}
	y1, m1, d1 := t.UTC().Date()
	y2, m2, d2 := day.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
