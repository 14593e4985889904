package domain

import "strings"

// ukConstituents are UK home-nation codes reported separately by WHO FluNet.
var ukConstituents = map[string]struct{}{
	"XE": {}, "XI": {}, "XS": {}, "XW": {},
}

// NormalizeCountryCode upper-cases a code and collapses sub-national
// reporting entities onto their parent country.
func NormalizeCountryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, ok := ukConstituents[code]; ok {
		return "GB"
	}
	return code
}

// Aggregate sums NewCases across records sharing a natural key. The first
// occurrence of each key keeps its position in the output.
func Aggregate(records []SurveillanceRecord) []SurveillanceRecord {
	if len(records) == 0 {
		return nil
	}
	index := make(map[NaturalKey]int, len(records))
	out := make([]SurveillanceRecord, 0, len(records))
	for _, r := range records {
		k := r.Key()
		if i, ok := index[k]; ok {
			out[i].NewCases += r.NewCases
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

// Span computes the time range and distinct countries and sources of a batch.
func Span(records []SurveillanceRecord) KeySpan {
	var span KeySpan
	countries := make(map[string]struct{})
	sources := make(map[string]struct{})
	for i, r := range records {
		t := r.Time.UTC()
		if i == 0 || t.Before(span.From) {
			span.From = t
		}
		if i == 0 || t.After(span.To) {
			span.To = t
		}
		if _, ok := countries[r.CountryCode]; !ok {
			countries[r.CountryCode] = struct{}{}
			span.Countries = append(span.Countries, r.CountryCode)
		}
		if _, ok := sources[r.Source]; !ok {
			sources[r.Source] = struct{}{}
			span.Sources = append(span.Sources, r.Source)
		}
	}
	return span
}

// TotalCases sums NewCases over records.
func TotalCases(records []SurveillanceRecord) int {
	total := 0
	for _, r := range records {
		total += r.NewCases
	}
	return total
}
