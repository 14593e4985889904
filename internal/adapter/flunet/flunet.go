// Package flunet fetches weekly laboratory-confirmed influenza counts for all
// WHO member states from the FluNet xMart OData feed.
package flunet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/adalyuf/flutracker/internal/adapter/payload"
	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/fetch"
)

// Name is the source identifier stored with every record.
const Name = "who_flunet"

// DefaultBaseURL is the public FluNet xMart view.
const DefaultBaseURL = "https://xmart-api-public.who.int/FLUMART/VIW_FNT"

const defaultTop = 120000

type subtype struct {
	field   string
	fluType string
}

// Specific subtype columns, preferred over the aggregates.
var specificSubtypes = []subtype{
	{"AH1N12009", domain.FluTypeH1N1},
	{"AH3", domain.FluTypeH3N2},
	{"AH5", domain.FluTypeH5N1},
	{"AH7N9", domain.FluTypeH7N9},
	{"BYAM", domain.FluTypeBYamagata},
	{"BVIC", domain.FluTypeBVictoria},
}

var aggregateSubtypes = []subtype{
	{"INF_A", domain.FluTypeAUnsubtyped},
	{"INF_B", domain.FluTypeBUnknown},
}

// Adapter implements FetchLatest and FetchRange over the FluNet feed.
type Adapter struct {
	client    *fetch.Client
	baseURL   string
	countries map[string]struct{}
	top       int
	logger    *slog.Logger
}

// New creates a FluNet adapter. An empty countries list fetches every country.
func New(client *fetch.Client, countries []string, logger *slog.Logger) *Adapter {
	set := make(map[string]struct{}, len(countries))
	for _, c := range countries {
		set[domain.NormalizeCountryCode(c)] = struct{}{}
	}
	return &Adapter{
		client:    client,
		baseURL:   DefaultBaseURL,
		countries: set,
		top:       defaultTop,
		logger:    logger,
	}
}

// WithBaseURL overrides the feed URL.
func (a *Adapter) WithBaseURL(u string) *Adapter {
	a.baseURL = u
	return a
}

func (a *Adapter) Name() string { return Name }

// CountryCode is empty: FluNet covers every country.
func (a *Adapter) CountryCode() string { return "" }

// FetchLatest fetches the trailing four ISO weeks.
func (a *Adapter) FetchLatest(ctx context.Context) ([]domain.SurveillanceRecord, error) {
	end := domain.Now()
	start := end.AddDate(0, 0, -28)
	startYear, startWeek := start.ISOWeek()
	endYear, endWeek := end.ISOWeek()
	return a.FetchRange(ctx, startYear, startWeek, endYear, endWeek)
}

// FetchRange fetches all weeks between two ISO year/week pairs, inclusive.
func (a *Adapter) FetchRange(ctx context.Context, fromYear, fromWeek, toYear, toWeek int) ([]domain.SurveillanceRecord, error) {
	filter := fmt.Sprintf("ISOYW ge %d and ISOYW le %d", fromYear*100+fromWeek, toYear*100+toWeek)
	if len(a.countries) > 0 {
		filter += " and ISO2 in (" + a.quotedCountries() + ")"
	}
	params := url.Values{
		"$filter": {filter},
		"$top":    {strconv.Itoa(a.top)},
	}

	var records []domain.SurveillanceRecord
	next := a.baseURL
	for next != "" {
		a.logger.Info("flunet request", "url", next, "filter", filter)
		body, err := a.client.Get(ctx, next, params)
		if err != nil {
			return nil, fmt.Errorf("flunet fetch: %w", err)
		}

		var page struct {
			Value    []map[string]any `json:"value"`
			NextLink string           `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode flunet page: %w", err)
		}
		a.logger.Debug("flunet page received", "entries", len(page.Value))

		for _, entry := range page.Value {
			records = append(records, a.parseEntry(entry)...)
		}

		// nextLink already carries the query.
		next = page.NextLink
		params = nil
	}

	out := domain.Aggregate(records)
	a.logger.Info("flunet fetch complete", "records", len(out))
	return out, nil
}

// quotedCountries renders the OData ISO2 list. GB also requests the UK
// constituent entities, which FluNet publishes separately.
func (a *Adapter) quotedCountries() string {
	codes := make([]string, 0, len(a.countries)+4)
	for c := range a.countries {
		codes = append(codes, c)
		if c == "GB" {
			codes = append(codes, "XE", "XI", "XS", "XW")
		}
	}
	quoted := make([]string, len(codes))
	for i, c := range codes {
		quoted[i] = "'" + c + "'"
	}
	return strings.Join(quoted, ",")
}

func (a *Adapter) parseEntry(entry map[string]any) []domain.SurveillanceRecord {
	code := domain.NormalizeCountryCode(payload.String(entry["ISO2"]))
	if code == "" {
		return nil
	}
	if len(a.countries) > 0 {
		if _, ok := a.countries[code]; !ok {
			return nil
		}
	}

	year, okYear := payload.Int(entry["ISO_YEAR"])
	week, okWeek := payload.Int(entry["ISO_WEEK"])
	if !okYear || !okWeek {
		return nil
	}
	weekStart, err := domain.ISOWeekStart(year, week)
	if err != nil {
		return nil
	}

	record := func(n int, fluType string) domain.SurveillanceRecord {
		return domain.SurveillanceRecord{
			Time:        weekStart,
			CountryCode: code,
			NewCases:    n,
			FluType:     fluType,
			Source:      Name,
		}
	}

	var out []domain.SurveillanceRecord
	for _, s := range specificSubtypes {
		if n, ok := payload.Positive(entry, s.field); ok {
			out = append(out, record(n, s.fluType))
		}
	}
	if len(out) > 0 {
		return out
	}

	for _, s := range aggregateSubtypes {
		if n, ok := payload.Positive(entry, s.field); ok {
			out = append(out, record(n, s.fluType))
		}
	}
	if len(out) > 0 {
		return out
	}

	total, ok := payload.Positive(entry, "INF_ALL")
	if !ok {
		total, ok = payload.Positive(entry, "ALL_INF")
	}
	if ok {
		out = append(out, record(total, domain.FluTypeUnknown))
	}
	return out
}
