package tmdb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
)

type movieDetails struct {
	Title               string              `json:"title"`
	Homepage            string              `json:"homepage"`
	Runtime             *int                `json:"runtime"`
	Genres              []genre             `json:"genres"`
	ProductionCountries []productionCountry `json:"production_countries"`
	WatchProviders      *struct {
		Results map[string]providerRegion `json:"results"`
	} `json:"watch/providers"`
}

type genre struct {
	Name string `json:"name"`
}

type productionCountry struct {
	Code string `json:"iso_3166_1"`
}

type providerRegion struct {
	Flatrate []provider `json:"flatrate"`
	Rent     []provider `json:"rent"`
	Buy      []provider `json:"buy"`
}

type provider struct {
	Name string `json:"provider_name"`
}

// providers собирает имена площадок по всем регионам, отсортированные и без повторов.
func (d movieDetails) providers() []string {
	if d.WatchProviders == nil {
		return nil
	}
	set := make(map[string]struct{})
	for _, region := range d.WatchProviders.Results {
		for _, list := range [][]provider{region.Flatrate, region.Rent, region.Buy} {
			for _, p := range list {
				if p.Name != "" {
					set[p.Name] = struct{}{}
				}
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Client) movieDetails(ctx context.Context, id uint64) (movieDetails, error) {
	var details movieDetails
	query := map[string]string{"append_to_response": "watch/providers"}
	if err := c.getJSON(ctx, "movie_details", "/movie/"+strconv.FormatUint(id, 10), query, &details); err != nil {
		return movieDetails{}, fmt.Errorf("детали фильма %d: %w", id, err)
	}
	return details, nil
}

// Filter — правило отбора релизов по деталям фильма.
type Filter struct {
	AllowedCountries []string
	ExcludedGenres   []string
	MinRuntime       int
}

// DefaultFilter возвращает правило отбора по умолчанию.
func DefaultFilter() Filter {
	return Filter{
		AllowedCountries: []string{"US", "GB", "CA", "AU", "FR", "DE", "IT", "ES", "JP", "KR"},
		ExcludedGenres:   []string{"Documentary", "TV Movie", "Music", "Reality"},
		MinRuntime:       60,
	}
}

func (f Filter) isZero() bool {
	return len(f.AllowedCountries) == 0 && len(f.ExcludedGenres) == 0 && f.MinRuntime == 0
}

// Accept: хотя бы одна страна из списка, ни одного исключённого жанра,
// длительность известна и не меньше минимальной.
func (f Filter) Accept(d movieDetails) bool {
	countryOK := false
	for _, c := range d.ProductionCountries {
		if contains(f.AllowedCountries, c.Code) {
			countryOK = true
			break
		}
	}
	if !countryOK {
		return false
	}
	for _, g := range d.Genres {
		if contains(f.ExcludedGenres, g.Name) {
			return false
		}
	}
	return d.Runtime != nil && *d.Runtime >= f.MinRuntime
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
