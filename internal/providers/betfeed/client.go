// Package betfeed is the client for the exchange-style price feed that
// publishes flat market -> bookmaker price rows behind OAuth client credentials.
package betfeed

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	platformhttp "github.com/Alias1177/OddsCollector/internal/platform/http"
	"github.com/Alias1177/OddsCollector/internal/providers"
	"github.com/Alias1177/OddsCollector/models"
)

type Client struct {
	id        string
	transport *providers.Transport
	tokens    *providers.OAuthTokenSource
	clock     clock.Clock
	logger    zerolog.Logger
}

type priceRow struct {
	Bookmaker     string  `json:"bookmaker"`
	BookmakerName string  `json:"bookmaker_name"`
	Runner        string  `json:"runner"`
	Price         float64 `json:"price"`
	Timestamp     string  `json:"ts"`
}

type feedMarket struct {
	MarketID   string     `json:"market_id"`
	EventID    string     `json:"event_id"`
	Venue      string     `json:"venue"`
	RaceNumber int        `json:"race_number"`
	StartTime  string     `json:"start_time"`
	MarketType string     `json:"market_type"`
	Prices     []priceRow `json:"prices"`
}

type marketsResponse struct {
	Markets []feedMarket `json:"markets"`
	Quota   *struct {
		Remaining int `json:"remaining"`
	} `json:"quota,omitempty"`
}

// New creates a client for cfg. Auth must be oauth.
func New(cfg models.ProviderConfig, httpClient *platformhttp.Client, clk clock.Clock) (*Client, error) {
	if cfg.Auth.Type != models.AuthOAuth {
		return nil, fmt.Errorf("%s: bet feed expects oauth, got %q", cfg.ID, cfg.Auth.Type)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base_url is required", cfg.ID)
	}
	auth, err := providers.NewAuthenticator(cfg.ID, cfg.Auth, httpClient, clk)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	tokens, _ := auth.(*providers.OAuthTokenSource)
	return &Client{
		id:        cfg.ID,
		transport: providers.NewTransport(cfg.ID, cfg.BaseURL, httpClient, auth),
		tokens:    tokens,
		clock:     clk,
		logger:    log.With().Str("component", "betfeed_client").Str("provider", cfg.ID).Logger(),
	}, nil
}

func (c *Client) ID() string { return c.id }

// FetchOdds reads WIN (and PLACE) markets and regroups them per event.
func (c *Client) FetchOdds(ctx context.Context, req providers.OddsRequest) (*providers.OddsResponse, error) {
	q := url.Values{}
	q.Set("type", marketTypes(req.Markets))
	if !req.Date.IsZero() {
		q.Set("date", req.Date.UTC().Format("2006-01-02"))
	}
	if len(req.RaceIDs) > 0 {
		q.Set("event_ids", strings.Join(req.RaceIDs, ","))
	}

	var payload marketsResponse
	if _, err := c.transport.GetJSON(ctx, "/api/v2/markets", q, &payload); err != nil {
		return nil, err
	}

	resp := &providers.OddsResponse{
		Provider:          c.id,
		FetchedAt:         c.clock.Now(),
		Events:            groupEvents(payload.Markets),
		RemainingRequests: -1,
	}
	if payload.Quota != nil {
		resp.RemainingRequests = payload.Quota.Remaining
	}
	c.logger.Debug().Int("markets", len(payload.Markets)).Int("events", len(resp.Events)).Msg("Fetched markets")
	return resp, nil
}

// TestConnection checks that a token can be obtained and the feed answers.
func (c *Client) TestConnection(ctx context.Context) bool {
	if c.tokens != nil {
		if _, err := c.tokens.Token(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Token request failed")
			return false
		}
	}
	var out map[string]interface{}
	if _, err := c.transport.GetJSON(ctx, "/api/v2/ping", nil, &out); err != nil {
		c.logger.Warn().Err(err).Msg("Connection test failed")
		return false
	}
	return true
}

func marketTypes(markets []string) string {
	if len(markets) == 0 {
		return "WIN,PLACE"
	}
	out := make([]string, 0, len(markets))
	for _, m := range markets {
		out = append(out, strings.ToUpper(m))
	}
	return strings.Join(out, ",")
}

func groupEvents(markets []feedMarket) []providers.Event {
	events := make(map[string]*providers.Event)
	// event id -> bookmaker key -> index into Bookmakers
	bookIdx := make(map[string]map[string]int)
	var order []string

	for _, fm := range markets {
		ev, ok := events[fm.EventID]
		if !ok {
			ev = &providers.Event{
				ID:         fm.EventID,
				Venue:      fm.Venue,
				RaceNumber: fm.RaceNumber,
				Source:     models.SourceAPI,
			}
			if t, err := models.ParseTimestamp(fm.StartTime); err == nil {
				ev.StartTime = t
			}
			events[fm.EventID] = ev
			bookIdx[fm.EventID] = map[string]int{}
			order = append(order, fm.EventID)
		}

		label := strings.ToLower(fm.MarketType)
		for _, p := range fm.Prices {
			idx, ok := bookIdx[fm.EventID][p.Bookmaker]
			if !ok {
				ev.Bookmakers = append(ev.Bookmakers, providers.BookmakerOdds{Key: p.Bookmaker, Title: p.BookmakerName})
				idx = len(ev.Bookmakers) - 1
				bookIdx[fm.EventID][p.Bookmaker] = idx
			}
			b := &ev.Bookmakers[idx]
			ts, _ := models.ParseTimestamp(p.Timestamp)
			if ts.After(b.LastUpdate) {
				b.LastUpdate = ts
			}
			m := findMarket(b, label)
			if ts.After(m.LastUpdate) {
				m.LastUpdate = ts
			}
			m.Outcomes = append(m.Outcomes, providers.Outcome{Name: p.Runner, Price: p.Price})
		}
	}

	sort.Strings(order)
	out := make([]providers.Event, 0, len(order))
	for _, id := range order {
		out = append(out, *events[id])
	}
	return out
}

func findMarket(b *providers.BookmakerOdds, label string) *providers.Market {
	for i := range b.Markets {
		if b.Markets[i].Key == label {
			return &b.Markets[i]
		}
	}
	b.Markets = append(b.Markets, providers.Market{Key: label})
	return &b.Markets[len(b.Markets)-1]
}
