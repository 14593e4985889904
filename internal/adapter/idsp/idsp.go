// Package idsp scrapes influenza outbreak counts for India from the IDSP
// weekly outbreak tables, falling back to alerts on the NCDC home page.
package idsp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/fetch"
)

// Name is the source identifier stored with every record.
const Name = "india_ncdc"

const (
	// DefaultIDSPURL is the weekly outbreak report listing.
	DefaultIDSPURL = "https://idsp.mohfw.gov.in/index4.php?lang=1&level=0&linkid=406&lid=3689"
	// DefaultNCDCURL is the NCDC home page carrying alert sections.
	DefaultNCDCURL = "https://ncdc.mohfw.gov.in/"
)

// States are the recognised region names; others are recorded without region.
var States = map[string]struct{}{
	"Andhra Pradesh": {}, "Arunachal Pradesh": {}, "Assam": {}, "Bihar": {}, "Chhattisgarh": {},
	"Goa": {}, "Gujarat": {}, "Haryana": {}, "Himachal Pradesh": {}, "Jharkhand": {},
	"Karnataka": {}, "Kerala": {}, "Madhya Pradesh": {}, "Maharashtra": {}, "Manipur": {},
	"Meghalaya": {}, "Mizoram": {}, "Nagaland": {}, "Odisha": {}, "Punjab": {},
	"Rajasthan": {}, "Sikkim": {}, "Tamil Nadu": {}, "Telangana": {}, "Tripura": {},
	"Uttar Pradesh": {}, "Uttarakhand": {}, "West Bengal": {},
	"Delhi": {}, "Jammu and Kashmir": {}, "Ladakh": {},
}

var (
	fluKeywords   = []string{"influenza", "ili", "h1n1", "flu"}
	alertKeywords = []string{"influenza", "h1n1", "h3n2", "flu"}
	caseCount     = regexp.MustCompile(`(?i)(\d+)\s*(?:cases|patients)`)
	nonDigit      = regexp.MustCompile(`\D`)
)

// Adapter implements FetchLatest.
type Adapter struct {
	client  *fetch.Client
	idspURL string
	ncdcURL string
	logger  *slog.Logger
}

// New creates an India adapter.
func New(client *fetch.Client, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, idspURL: DefaultIDSPURL, ncdcURL: DefaultNCDCURL, logger: logger}
}

// WithURLs overrides both scraped pages.
func (a *Adapter) WithURLs(idspURL, ncdcURL string) *Adapter {
	a.idspURL = idspURL
	a.ncdcURL = ncdcURL
	return a
}

func (a *Adapter) Name() string        { return Name }
func (a *Adapter) CountryCode() string { return "IN" }

// FetchLatest scrapes the IDSP tables and falls back to NCDC alerts when they
// fail or yield nothing. Counts are attributed to the current ISO week.
func (a *Adapter) FetchLatest(ctx context.Context) ([]domain.SurveillanceRecord, error) {
	week := domain.WeekStart(domain.Now())

	records, idspErr := a.scrapeIDSP(ctx, week)
	if idspErr != nil {
		a.logger.Warn("idsp scrape failed, trying ncdc", "error", idspErr)
	}
	if len(records) > 0 {
		return domain.Aggregate(records), nil
	}

	records, err := a.scrapeNCDC(ctx, week)
	if err != nil {
		if idspErr != nil {
			return nil, fmt.Errorf("india scrape: %w", err)
		}
		return nil, err
	}
	return domain.Aggregate(records), nil
}

func (a *Adapter) document(ctx context.Context, target string) (*goquery.Document, error) {
	body, err := a.client.Get(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func (a *Adapter) scrapeIDSP(ctx context.Context, week time.Time) ([]domain.SurveillanceRecord, error) {
	doc, err := a.document(ctx, a.idspURL)
	if err != nil {
		return nil, fmt.Errorf("idsp fetch: %w", err)
	}

	var records []domain.SurveillanceRecord
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		table.Find("tr").Each(func(i int, row *goquery.Selection) {
			if i == 0 {
				return
			}
			cells := row.Find("td")
			if cells.Length() < 5 {
				return
			}
			text := func(n int) string { return strings.TrimSpace(cells.Eq(n).Text()) }

			disease := strings.ToLower(text(1))
			if !containsAny(disease, fluKeywords) {
				return
			}
			digits := nonDigit.ReplaceAllString(text(3), "")
			cases, err := strconv.Atoi(digits)
			if err != nil || cases <= 0 {
				return
			}
			region := text(2)
			if _, ok := States[region]; !ok {
				region = ""
			}
			records = append(records, domain.SurveillanceRecord{
				Time:        week,
				CountryCode: "IN",
				Region:      region,
				NewCases:    cases,
				FluType:     subtypeFromDisease(disease),
				Source:      Name,
			})
		})
	})
	return records, nil
}

func (a *Adapter) scrapeNCDC(ctx context.Context, week time.Time) ([]domain.SurveillanceRecord, error) {
	doc, err := a.document(ctx, a.ncdcURL)
	if err != nil {
		return nil, fmt.Errorf("ncdc fetch: %w", err)
	}

	var records []domain.SurveillanceRecord
	doc.Find("div[class], section[class]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		if !strings.Contains(strings.ToLower(class), "alert") {
			return
		}
		text := s.Text()
		lower := strings.ToLower(text)
		if !containsAny(lower, alertKeywords) {
			return
		}
		fluType := subtypeFromAlert(lower)
		for _, m := range caseCount.FindAllStringSubmatch(text, -1) {
			cases, err := strconv.Atoi(m[1])
			if err != nil || cases <= 0 {
				continue
			}
			records = append(records, domain.SurveillanceRecord{
				Time:        week,
				CountryCode: "IN",
				NewCases:    cases,
				FluType:     fluType,
				Source:      Name,
			})
		}
	})
	return records, nil
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func subtypeFromDisease(disease string) string {
	switch {
	case strings.Contains(disease, "h1n1"):
		return domain.FluTypeH1N1
	case strings.Contains(disease, "h3n2"):
		return domain.FluTypeH3N2
	}
	return ""
}

func subtypeFromAlert(text string) string {
	if t := subtypeFromDisease(text); t != "" {
		return t
	}
	if strings.Contains(text, "type b") || strings.Contains(text, "influenza b") {
		return domain.FluTypeBUnknown
	}
	return ""
}
