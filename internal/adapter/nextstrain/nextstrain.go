// Package nextstrain loads seasonal influenza genomic sequence metadata from
// the public Nextstrain HA tree datasets.
package nextstrain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/adalyuf/flutracker/internal/adapter/payload"
	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/fetch"
)

// Source is stored on every sequence.
const Source = "nextstrain"

// DefaultBaseURL hosts the dataset JSON files.
const DefaultBaseURL = "https://data.nextstrain.org"

// Lineages are loaded in this order. Each tries the longest window first.
var Lineages = []string{"h3n2", "h1n1pdm", "vic", "yam"}

var windows = []string{"12y", "6y", "2y"}

var countryAliases = map[string]string{
	"usa":                      "US",
	"united states":            "US",
	"united states of america": "US",
	"uk":                       "GB",
	"united kingdom":           "GB",
}

// ErrNoDatasets is returned when no lineage produced a usable dataset.
var ErrNoDatasets = errors.New("no nextstrain dataset available")

// Adapter fetches and flattens Nextstrain trees.
type Adapter struct {
	client  *fetch.Client
	baseURL string
	logger  *slog.Logger
}

// New creates a Nextstrain adapter.
func New(client *fetch.Client, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, baseURL: DefaultBaseURL, logger: logger}
}

// WithBaseURL overrides the dataset host.
func (a *Adapter) WithBaseURL(u string) *Adapter {
	a.baseURL = strings.TrimRight(u, "/")
	return a
}

// DatasetURLs lists the candidate files for lineage in preference order.
func (a *Adapter) DatasetURLs(lineage string) []string {
	urls := make([]string, 0, len(windows))
	for _, w := range windows {
		urls = append(urls, fmt.Sprintf("%s/seasonal-flu_%s_ha_%s.json", a.baseURL, lineage, w))
	}
	return urls
}

type node struct {
	Name      string         `json:"name"`
	NodeAttrs map[string]any `json:"node_attrs"`
	Children  []node         `json:"children"`
}

type dataset struct {
	Tree *node `json:"tree"`
}

// Fetch returns sequences sampled at or after since. countryNames maps country
// names to ISO codes; unknown names keep an empty code.
func (a *Adapter) Fetch(ctx context.Context, since time.Time, countryNames map[string]string) ([]domain.GenomicSequence, error) {
	resolve := make(map[string]string, len(countryNames)+len(countryAliases))
	for name, code := range countryNames {
		resolve[normName(name)] = code
	}
	for alias, code := range countryAliases {
		resolve[normName(alias)] = code
	}

	var out []domain.GenomicSequence
	loaded := 0
	for _, lineage := range Lineages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		url, ds := a.fetchDataset(ctx, lineage)
		if ds == nil {
			a.logger.Warn("no nextstrain dataset found", "lineage", lineage)
			continue
		}
		if ds.Tree == nil {
			a.logger.Warn("nextstrain dataset missing tree", "lineage", lineage, "url", url)
			continue
		}
		loaded++
		seqs := flatten(ds.Tree, lineage, path.Base(url), since, resolve)
		a.logger.Info("nextstrain dataset loaded", "lineage", lineage, "dataset", path.Base(url), "sequences", len(seqs))
		out = append(out, seqs...)
	}
	if loaded == 0 {
		return nil, ErrNoDatasets
	}
	return out, nil
}

func (a *Adapter) fetchDataset(ctx context.Context, lineage string) (string, *dataset) {
	for _, u := range a.DatasetURLs(lineage) {
		body, err := a.client.Get(ctx, u, nil)
		if err != nil {
			a.logger.Debug("nextstrain dataset unavailable", "url", u, "error", err)
			continue
		}
		var ds dataset
		if err := json.Unmarshal(body, &ds); err != nil {
			a.logger.Warn("decode nextstrain dataset", "url", u, "error", err)
			continue
		}
		return u, &ds
	}
	return "", nil
}

func flatten(root *node, lineage, datasetName string, since time.Time, resolve map[string]string) []domain.GenomicSequence {
	var out []domain.GenomicSequence
	seen := make(map[string]struct{})

	var walk func(n *node)
	walk = func(n *node) {
		if len(n.Children) > 0 {
			for i := range n.Children {
				walk(&n.Children[i])
			}
			return
		}
		if n.Name == "" {
			return
		}
		if _, dup := seen[n.Name]; dup {
			return
		}

		dateValue := attrValue(n.NodeAttrs, "date")
		if dateValue == nil {
			dateValue = attrValue(n.NodeAttrs, "num_date")
		}
		sampled, ok := ParseCollectionDate(dateValue)
		if !ok || sampled.Before(since) {
			return
		}

		countryName := payload.String(attrValue(n.NodeAttrs, "country"))
		clade := "Unknown"
		for _, key := range []string{"clade_membership", "nextclade", "clade"} {
			if v := payload.String(attrValue(n.NodeAttrs, key)); v != "" {
				clade = v
				break
			}
		}

		seen[n.Name] = struct{}{}
		out = append(out, domain.GenomicSequence{
			SampleDate:    sampled,
			CountryCode:   resolve[normName(countryName)],
			CountryName:   countryName,
			Lineage:       lineage,
			Clade:         clade,
			StrainName:    n.Name,
			Source:        Source,
			SourceDataset: datasetName,
		})
	}
	walk(root)
	return out
}

// attrValue unwraps Auspice attributes that are either bare or {"value": v}.
func attrValue(attrs map[string]any, key string) any {
	v := attrs[key]
	if m, ok := v.(map[string]any); ok {
		return m["value"]
	}
	return v
}

// ParseCollectionDate accepts YYYY-MM-DD, YYYY-MM, YYYY or a decimal year.
func ParseCollectionDate(v any) (time.Time, bool) {
	text := payload.String(v)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return time.Time{}, false
	}
	year := int(f)
	days := int((f - float64(year)) * 365.25)
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days), true
}

func normName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
