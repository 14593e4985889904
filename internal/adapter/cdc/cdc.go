// Package cdc fetches state-level influenza-like-illness activity from the CDC
// FluView Phase 1 endpoints and converts activity levels to case estimates.
package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/adalyuf/flutracker/internal/adapter/payload"
	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/fetch"
)

// Name is the source identifier stored with every record.
const Name = "usa_cdc"

// DefaultBaseURL is the FluView Phase 1 service root.
const DefaultBaseURL = "https://gis.cdc.gov/grasp/fluView1"

const weekendLayout = "Jan-02-2006"

// activityEstimate maps ILI activity levels 1..13 to estimated weekly cases.
var activityEstimate = map[int]int{
	1: 50, 2: 100, 3: 200,
	4: 400, 5: 600,
	6: 1000, 7: 1500,
	8: 2500, 9: 3500,
	10: 5000, 11: 7000,
	12: 9000, 13: 12000,
}

var xmlBody = regexp.MustCompile(`(?s)>(.+)<`)

// Season is one entry from the init endpoint.
type Season struct {
	ID    int    `json:"seasonid"`
	Label string `json:"label"`
}

// StartYear parses the leading year of labels like "2010-11".
func (s Season) StartYear() (int, bool) {
	head, _, _ := strings.Cut(s.Label, "-")
	y, err := strconv.Atoi(strings.TrimSpace(head))
	return y, err == nil
}

// Adapter implements FetchLatest and FetchYear over FluView.
type Adapter struct {
	client  *fetch.Client
	baseURL string
	logger  *slog.Logger
}

// New creates a CDC adapter.
func New(client *fetch.Client, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, baseURL: DefaultBaseURL, logger: logger}
}

// WithBaseURL overrides the service root.
func (a *Adapter) WithBaseURL(u string) *Adapter {
	a.baseURL = strings.TrimRight(u, "/")
	return a
}

func (a *Adapter) Name() string        { return Name }
func (a *Adapter) CountryCode() string { return "US" }

// FetchLatest downloads the two most recent seasons to cover season boundaries.
func (a *Adapter) FetchLatest(ctx context.Context) ([]domain.SurveillanceRecord, error) {
	seasons, err := a.Seasons(ctx)
	if err != nil {
		return nil, err
	}
	if len(seasons) == 0 {
		a.logger.Warn("cdc returned no seasons")
		return nil, nil
	}
	slices.SortFunc(seasons, func(x, y Season) int { return y.ID - x.ID })
	if len(seasons) > 2 {
		seasons = seasons[:2]
	}

	var records []domain.SurveillanceRecord
	for _, s := range seasons {
		recs, err := a.FetchSeason(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("cdc season %s: %w", s.Label, err)
		}
		records = append(records, recs...)
	}
	return records, nil
}

// FetchYear downloads every season whose label starts in year.
func (a *Adapter) FetchYear(ctx context.Context, year int) ([]domain.SurveillanceRecord, error) {
	seasons, err := a.Seasons(ctx)
	if err != nil {
		return nil, err
	}
	var records []domain.SurveillanceRecord
	for _, s := range seasons {
		if start, ok := s.StartYear(); !ok || start != year {
			continue
		}
		recs, err := a.FetchSeason(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("cdc season %s: %w", s.Label, err)
		}
		records = append(records, recs...)
	}
	return records, nil
}

// Seasons lists the seasons published by the init endpoint.
func (a *Adapter) Seasons(ctx context.Context) ([]Season, error) {
	body, err := a.client.Get(ctx, a.baseURL+"/Phase1IniP", nil)
	if err != nil {
		return nil, fmt.Errorf("cdc fetch seasons: %w", err)
	}
	raw, err := unwrap(body)
	if err != nil {
		return nil, fmt.Errorf("decode cdc seasons: %w", err)
	}
	var init struct {
		Upper []Season `json:"Seasons"`
		Lower []Season `json:"seasons"`
	}
	if err := json.Unmarshal(raw, &init); err != nil {
		return nil, fmt.Errorf("decode cdc seasons: %w", err)
	}
	seasons := init.Upper
	if len(seasons) == 0 {
		seasons = init.Lower
	}
	a.logger.Info("cdc seasons listed", "count", len(seasons))
	return seasons, nil
}

// FetchSeason downloads weekly state activity for one season.
func (a *Adapter) FetchSeason(ctx context.Context, seasonID int) ([]domain.SurveillanceRecord, error) {
	body, err := a.client.Get(ctx, fmt.Sprintf("%s/Phase1DownloadDataP/%d", a.baseURL, seasonID), nil)
	if err != nil {
		return nil, fmt.Errorf("cdc fetch season: %w", err)
	}
	raw, err := unwrap(body)
	if err != nil {
		return nil, fmt.Errorf("decode cdc season %d: %w", seasonID, err)
	}
	var download struct {
		Entries []map[string]any `json:"datadownload"`
	}
	if err := json.Unmarshal(raw, &download); err != nil {
		return nil, fmt.Errorf("decode cdc season %d: %w", seasonID, err)
	}

	records := make([]domain.SurveillanceRecord, 0, len(download.Entries))
	for _, entry := range download.Entries {
		if r, ok := parseEntry(entry); ok {
			records = append(records, r)
		}
	}
	a.logger.Info("cdc season downloaded", "season_id", seasonID, "entries", len(download.Entries), "records", len(records))
	return records, nil
}

// unwrap strips an XML <string> envelope and one level of JSON string encoding.
func unwrap(body []byte) ([]byte, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, errors.New("empty response")
	}
	if strings.HasPrefix(text, "<") {
		if m := xmlBody.FindStringSubmatch(text); m != nil {
			text = m[1]
		}
	}
	if strings.HasPrefix(text, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err != nil {
			return nil, err
		}
		text = inner
	}
	return []byte(text), nil
}

func parseEntry(entry map[string]any) (domain.SurveillanceRecord, bool) {
	state := payload.String(entry["statename"])
	weekend := payload.String(entry["weekend"])
	if state == "" || weekend == "" {
		return domain.SurveillanceRecord{}, false
	}
	level, ok := payload.Int(entry["activity_level"])
	if !ok {
		return domain.SurveillanceRecord{}, false
	}
	cases, ok := activityEstimate[level]
	if !ok {
		return domain.SurveillanceRecord{}, false
	}
	day, err := time.Parse(weekendLayout, weekend)
	if err != nil {
		return domain.SurveillanceRecord{}, false
	}
	return domain.SurveillanceRecord{
		Time:        domain.WeekStart(day),
		CountryCode: "US",
		Region:      state,
		NewCases:    cases,
		Source:      Name,
	}, true
}
