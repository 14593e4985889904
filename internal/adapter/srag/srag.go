// Package srag streams the OpenDataSUS SIVEP-Gripe SRAG case files for one
// year, keeps influenza-confirmed notifications and aggregates them by state,
// ISO week and flu type.
package srag

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adalyuf/flutracker/internal/adapter/infogripe"
	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/fetch"
)

// Column names used from the SRAG layout.
const (
	colState      = "SG_UF_NOT"
	colWeek       = "SEM_NOT"
	colNotified   = "DT_NOTIFIC"
	colFinalClass = "CLASSI_FIN"
	colFluASubtyp = "PCR_FLUASU"
	colFluBLineag = "PCR_FLUBLI"
	colFluPCRType = "TP_FLU_PCR"
	colFluAGType  = "TP_FLU_AN"
)

// classInfluenza is the CLASSI_FIN value for confirmed influenza SRAG.
const classInfluenza = "1"

var requiredColumns = []string{colState, colWeek, colNotified, colFinalClass}

// Adapter implements FetchYear over the yearly CSV dumps.
type Adapter struct {
	client      *fetch.Client
	urlTemplate string
	logger      *slog.Logger
}

// New creates a SRAG adapter. urlTemplate may contain {year} and {yy}.
func New(client *fetch.Client, urlTemplate string, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, urlTemplate: urlTemplate, logger: logger}
}

func (a *Adapter) Name() string        { return infogripe.Name }
func (a *Adapter) CountryCode() string { return "BR" }

// FetchLatest aggregates the current year's file.
func (a *Adapter) FetchLatest(ctx context.Context) ([]domain.SurveillanceRecord, error) {
	return a.FetchYear(ctx, domain.Now().Year())
}

// URL expands the template for year.
func (a *Adapter) URL(year int) string {
	r := strings.NewReplacer(
		"{year}", strconv.Itoa(year),
		"{yy}", fmt.Sprintf("%02d", year%100),
	)
	return r.Replace(a.urlTemplate)
}

// FetchYear downloads and aggregates one year's file without buffering it.
func (a *Adapter) FetchYear(ctx context.Context, year int) ([]domain.SurveillanceRecord, error) {
	body, err := a.client.Stream(ctx, a.URL(year))
	if err != nil {
		return nil, fmt.Errorf("srag fetch %d: %w", year, err)
	}
	defer body.Close()

	records, err := Aggregate(body, year, a.logger)
	if err != nil {
		return nil, fmt.Errorf("srag parse %d: %w", year, err)
	}
	a.logger.Info("srag year aggregated", "year", year, "records", len(records), "cases", domain.TotalCases(records))
	return records, nil
}

type bucket struct {
	state   string
	week    time.Time
	fluType string
}

// Aggregate reads a semicolon separated SRAG file and returns one record per
// (state, week, flu type). fallbackYear resolves SEM_NOT when the notification
// date is unusable.
func Aggregate(r io.Reader, fallbackYear int, logger *slog.Logger) ([]domain.SurveillanceRecord, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.Trim(strings.TrimSpace(name), "\ufeff\"")] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing column %s", col)
		}
	}

	field := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	counts := make(map[bucket]int)
	var order []bucket
	skipped := 0

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				continue
			}
			return nil, fmt.Errorf("read row: %w", err)
		}
		if field(row, colFinalClass) != classInfluenza {
			continue
		}

		state, ok := infogripe.States[strings.ToUpper(field(row, colState))]
		if !ok {
			skipped++
			continue
		}
		week, ok := weekOf(field(row, colNotified), field(row, colWeek), fallbackYear)
		if !ok {
			skipped++
			continue
		}

		b := bucket{state: state, week: week, fluType: fluType(row, field)}
		if _, seen := counts[b]; !seen {
			order = append(order, b)
		}
		counts[b]++
	}
	if skipped > 0 && logger != nil {
		logger.Debug("srag rows skipped", "count", skipped)
	}

	records := make([]domain.SurveillanceRecord, 0, len(order))
	for _, b := range order {
		records = append(records, domain.SurveillanceRecord{
			Time:        b.week,
			CountryCode: "BR",
			Region:      b.state,
			NewCases:    counts[b],
			FluType:     b.fluType,
			Source:      infogripe.Name,
		})
	}
	return records, nil
}

var dateLayouts = []string{"02/01/2006", "2006-01-02"}

func weekOf(notified, epiWeek string, fallbackYear int) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, notified); err == nil {
			return domain.WeekStart(d), true
		}
	}
	w, err := strconv.Atoi(epiWeek)
	if err != nil {
		return time.Time{}, false
	}
	start, err := domain.ISOWeekStart(fallbackYear, w)
	return start, err == nil
}

// fluType infers the most specific type from the lab result columns.
func fluType(row []string, field func([]string, string) string) string {
	switch field(row, colFluASubtyp) {
	case "1":
		return domain.FluTypeH1N1
	case "2":
		return domain.FluTypeH3N2
	case "3":
		return domain.FluTypeAUnsubtyped
	}
	switch field(row, colFluBLineag) {
	case "1":
		return domain.FluTypeBVictoria
	case "2":
		return domain.FluTypeBYamagata
	}
	for _, col := range []string{colFluPCRType, colFluAGType} {
		switch field(row, col) {
		case "1":
			return domain.FluTypeAUnsubtyped
		case "2":
			return domain.FluTypeBUnknown
		}
	}
	return domain.FluTypeUnknown
}
