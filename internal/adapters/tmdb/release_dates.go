package tmdb

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

type releaseDatesResponse struct {
	Results []regionReleases `json:"results"`
}

type regionReleases struct {
	Region       string         `json:"iso_3166_1"`
	ReleaseDates []releaseEntry `json:"release_dates"`
}

type releaseEntry struct {
	ReleaseDate string `json:"release_date"`
	Type        int    `json:"type"`
}

func (c *Client) releaseDates(ctx context.Context, id uint64) ([]regionReleases, error) {
	var resp releaseDatesResponse
	if err := c.getJSON(ctx, "release_dates", "/movie/"+strconv.FormatUint(id, 10)+"/release_dates", nil, &resp); err != nil {
		return nil, fmt.Errorf("даты релиза фильма %d: %w", id, err)
	}
	return resp.Results, nil
}

// resolveReleaseDate выбирает дату доступности релиза.
//
// Учитываются цифровые релизы, а если их нет совсем, то любые. Берётся первый регион
// из regions, у которого есть даты, иначе все регионы сразу. Из выбранных дат
// предпочитается самая поздняя не позже now, затем самая ранняя будущая. Без дат
// возвращается primary.
func resolveReleaseDate(results []regionReleases, regions []string, primary, now time.Time) time.Time {
	byRegion := collectDates(results, true)
	if len(byRegion) == 0 {
		byRegion = collectDates(results, false)
	}
	if len(byRegion) == 0 {
		return primary
	}

	var chosen []time.Time
	for _, region := range regions {
		if dates := byRegion[region]; len(dates) > 0 {
			chosen = dates
			break
		}
	}
	if chosen == nil {
		for _, dates := range byRegion {
			chosen = append(chosen, dates...)
		}
	}

	var past, future time.Time
	for _, d := range chosen {
		if !d.After(now) {
			if past.IsZero() || d.After(past) {
				past = d
			}
			continue
		}
		if future.IsZero() || d.Before(future) {
			future = d
		}
	}
	switch {
	case !past.IsZero():
		return past
	case !future.IsZero():
		return future
	}
	return primary
}

func collectDates(results []regionReleases, digitalOnly bool) map[string][]time.Time {
	out := make(map[string][]time.Time)
	for _, r := range results {
		for _, e := range r.ReleaseDates {
			if digitalOnly && e.Type != digitalReleaseType {
				continue
			}
			t, err := time.Parse(time.RFC3339, e.ReleaseDate)
			if err != nil {
				continue
			}
			out[r.Region] = append(out[r.Region], t)
		}
	}
	return out
}
