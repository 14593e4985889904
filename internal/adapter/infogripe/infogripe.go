// Package infogripe fetches weekly severe acute respiratory infection counts
// with influenza breakdown for each Brazilian state from InfoGripe (Fiocruz).
package infogripe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"

	"github.com/adalyuf/flutracker/internal/adapter/payload"
	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/fetch"
)

// Name is the source identifier shared by the Brazilian adapters.
const Name = "brazil_svs"

// DefaultBaseURL is the InfoGripe detailed-data root; the state code is appended.
const DefaultBaseURL = "https://info.gripe.fiocruz.br/data/detailed/1/1"

// States maps federative unit codes to state names.
var States = map[string]string{
	"AC": "Acre", "AL": "Alagoas", "AP": "Amapá", "AM": "Amazonas",
	"BA": "Bahia", "CE": "Ceará", "DF": "Distrito Federal",
	"ES": "Espírito Santo", "GO": "Goiás", "MA": "Maranhão",
	"MT": "Mato Grosso", "MS": "Mato Grosso do Sul", "MG": "Minas Gerais",
	"PA": "Pará", "PB": "Paraíba", "PR": "Paraná", "PE": "Pernambuco",
	"PI": "Piauí", "RJ": "Rio de Janeiro", "RN": "Rio Grande do Norte",
	"RS": "Rio Grande do Sul", "RO": "Rondônia", "RR": "Roraima",
	"SC": "Santa Catarina", "SP": "São Paulo", "SE": "Sergipe",
	"TO": "Tocantins",
}

type subtype struct {
	fluType string
	keys    []string
}

var subtypes = []subtype{
	{domain.FluTypeH1N1, []string{"influenza_a_h1n1_pdm09", "flu_a_h1n1"}},
	{domain.FluTypeH3N2, []string{"influenza_a_h3n2", "flu_a_h3n2"}},
	{domain.FluTypeAUnsubtyped, []string{"influenza_a_ns", "flu_a_ns"}},
	{domain.FluTypeBUnknown, []string{"influenza_b", "flu_b"}},
}

// Adapter implements FetchLatest over every state.
type Adapter struct {
	client  *fetch.Client
	baseURL string
	logger  *slog.Logger
}

// New creates an InfoGripe adapter.
func New(client *fetch.Client, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, baseURL: DefaultBaseURL, logger: logger}
}

// WithBaseURL overrides the data root.
func (a *Adapter) WithBaseURL(u string) *Adapter {
	a.baseURL = u
	return a
}

func (a *Adapter) Name() string        { return Name }
func (a *Adapter) CountryCode() string { return "BR" }

// FetchLatest fetches the current year for all 27 states. A state that still
// fails after retries fails the whole invocation.
func (a *Adapter) FetchLatest(ctx context.Context) ([]domain.SurveillanceRecord, error) {
	year := domain.Now().Year()
	codes := make([]string, 0, len(States))
	for code := range States {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var records []domain.SurveillanceRecord
	for _, code := range codes {
		recs, err := a.fetchState(ctx, code, year)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	a.logger.Info("infogripe fetch complete", "year", year, "records", len(records))
	return records, nil
}

func (a *Adapter) fetchState(ctx context.Context, code string, year int) ([]domain.SurveillanceRecord, error) {
	params := url.Values{"year": {strconv.Itoa(year)}}
	body, err := a.client.Get(ctx, a.baseURL+"/"+code, params)
	if err != nil {
		return nil, fmt.Errorf("infogripe fetch %s: %w", code, err)
	}
	entries, err := decodeEntries(body)
	if err != nil {
		return nil, fmt.Errorf("decode infogripe %s: %w", code, err)
	}

	name := States[code]
	var records []domain.SurveillanceRecord
	for _, entry := range entries {
		records = append(records, parseEntry(entry, name)...)
	}
	return records, nil
}

// decodeEntries accepts either a bare list or an object with a data field.
func decodeEntries(body []byte) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Data, nil
}

func parseEntry(entry map[string]any, state string) []domain.SurveillanceRecord {
	week, ok := payload.Int(payload.First(entry, "epiweek", "SE"))
	if !ok {
		return nil
	}
	year, ok := payload.Int(payload.First(entry, "epiyear", "ano"))
	if !ok {
		return nil
	}
	start, err := domain.ISOWeekStart(year, week)
	if err != nil {
		return nil
	}

	record := func(cases int, fluType string) domain.SurveillanceRecord {
		return domain.SurveillanceRecord{
			Time:        start,
			CountryCode: "BR",
			Region:      state,
			NewCases:    cases,
			FluType:     fluType,
			Source:      Name,
		}
	}

	var records []domain.SurveillanceRecord
	for _, st := range subtypes {
		if n, ok := payload.Int(payload.First(entry, st.keys...)); ok && n > 0 {
			records = append(records, record(n, st.fluType))
		}
	}
	if len(records) > 0 {
		return records
	}
	if n, ok := payload.Positive(entry, "casos_influenza"); ok {
		return []domain.SurveillanceRecord{record(n, domain.FluTypeUnknown)}
	}
	if n, ok := payload.Int(payload.First(entry, "casos", "srag")); ok && n > 0 {
		return []domain.SurveillanceRecord{record(n, domain.FluTypeUnknown)}
	}
	return nil
}
