// Package normalize flattens provider payloads into NormalizedOdds records and
// holds the odds arithmetic shared by the pipeline and the command line tools.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/providers"
	"github.com/Alias1177/OddsCollector/models"
)

const (
	MarketWin   = "win"
	MarketPlace = "place"
)

// Options selects which markets become records. Place prices are always
// attached to win records when the bookmaker prices a place market.
type Options struct {
	Markets []string
}

type Normalizer struct {
	markets map[string]bool
	logger  zerolog.Logger
}

// New creates a Normalizer; with no markets configured only win is emitted.
func New(opts Options) *Normalizer {
	markets := map[string]bool{}
	for _, m := range opts.Markets {
		markets[strings.ToLower(m)] = true
	}
	if len(markets) == 0 {
		markets[MarketWin] = true
	}
	return &Normalizer{
		markets: markets,
		logger:  log.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize flattens one provider event into one record per bookmaker and runner.
func (n *Normalizer) Normalize(pe providers.ProviderEvent) []models.NormalizedOdds {
	ev := pe.Event
	raceID := RaceIdentifier(ev)
	source := ev.Source
	if source == "" {
		source = models.SourceAPI
	}

	var out []models.NormalizedOdds
	for _, b := range ev.Bookmakers {
		if b.Key == "" {
			continue
		}
		places := placePrices(b)

		for _, m := range b.Markets {
			label := strings.ToLower(m.Key)
			if !n.markets[label] {
				continue
			}
			observed := firstNonZero(m.LastUpdate, b.LastUpdate, pe.FetchedAt)
			for _, o := range m.Outcomes {
				name := strings.TrimSpace(o.Name)
				if name == "" {
					continue
				}
				rec := models.NormalizedOdds{
					ProviderID:     pe.Provider,
					RaceIdentifier: raceID,
					HorseName:      name,
					BookmakerKey:   b.Key,
					BookmakerTitle: b.Title,
					WinOdds:        RoundOdds(o.Price),
					Market:         label,
					ObservedAt:     observed,
					Source:         source,
				}
				if label == MarketWin {
					if p, ok := places[NormalizeHorseName(name)]; ok {
						rec.PlaceOdds = &p
					}
				}
				out = append(out, rec)
			}
		}
	}

	n.logger.Debug().Str("provider", pe.Provider).Str("race", raceID).Int("records", len(out)).Msg("Normalized event")
	return out
}

// NormalizeAll flattens every event.
func (n *Normalizer) NormalizeAll(events []providers.ProviderEvent) []models.NormalizedOdds {
	var out []models.NormalizedOdds
	for _, pe := range events {
		out = append(out, n.Normalize(pe)...)
	}
	return out
}

// RaceIdentifier builds "<venue-slug>-<YYYY-MM-DD>-<raceNumber>" when the event
// carries venue, start time and race number, otherwise the provider event id.
// The date is the UTC date of the start time, whatever zone the provider used;
// matching.EntityLookup.FindRace compares against the same UTC date.
func RaceIdentifier(ev providers.Event) string {
	if ev.Venue == "" || ev.RaceNumber <= 0 || ev.StartTime.IsZero() {
		return ev.ID
	}
	return fmt.Sprintf("%s-%s-%d", Slug(ev.Venue), ev.StartTime.UTC().Format("2006-01-02"), ev.RaceNumber)
}

// Slug lowercases and hyphenates a venue name: "Moonee Valley" -> "moonee-valley".
func Slug(s string) string {
	return strings.ReplaceAll(NormalizeHorseName(s), " ", "-")
}

func placePrices(b providers.BookmakerOdds) map[string]float64 {
	places := map[string]float64{}
	for _, m := range b.Markets {
		if strings.ToLower(m.Key) != MarketPlace {
			continue
		}
		for _, o := range m.Outcomes {
			if o.Price > 0 {
				places[NormalizeHorseName(o.Name)] = RoundOdds(o.Price)
			}
		}
	}
	return places
}

func firstNonZero(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}
