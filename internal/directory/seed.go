package directory

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"callsy/internal/presence"
)

type seedHours struct {
	Weekday int    `json:"weekday"` // 0=Sunday..6
	Start   string `json:"start"`
	End     string `json:"end"`
	Enabled bool   `json:"enabled"`
}

type seedBusiness struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	Category    string      `json:"category"`
	Timezone    string      `json:"timezone"`
	IsActive    bool        `json:"is_active"`
	Hours       []seedHours `json:"hours"`
}

// DecodeSeed reads a JSON array of businesses for the memory directory. Rows
// mirror the Postgres tables; a business without hours gets the default schedule.
func DecodeSeed(r io.Reader) ([]Business, error) {
	var rows []seedBusiness
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("directory: decode seed: %w", err)
	}

	out := make([]Business, 0, len(rows))
	for _, row := range rows {
		if row.ID == "" {
			return nil, fmt.Errorf("directory: seed row without id")
		}
		tz := row.Timezone
		if tz == "" {
			tz = "UTC"
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("directory: business %s timezone %q: %w", row.ID, tz, err)
		}

		b := Business{ID: row.ID, DisplayName: row.DisplayName, Category: row.Category, IsActive: row.IsActive}
		if len(row.Hours) == 0 {
			b.Hours = presence.DefaultSchedule(loc)
		} else {
			b.Hours = presence.Schedule{Location: loc}
			for _, h := range row.Hours {
				d := presence.DayHours{Weekday: time.Weekday(h.Weekday), Enabled: h.Enabled}
				if d.Start, err = presence.ParseTimeOfDay(h.Start); err != nil {
					return nil, fmt.Errorf("directory: business %s: %w", row.ID, err)
				}
				if d.End, err = presence.ParseTimeOfDay(h.End); err != nil {
					return nil, fmt.Errorf("directory: business %s: %w", row.ID, err)
				}
				b.Hours.Days = append(b.Hours.Days, d)
			}
		}
		if err := b.Hours.Validate(); err != nil {
			return nil, fmt.Errorf("directory: business %s: %w", row.ID, err)
		}
		out = append(out, b)
	}
	return out, nil
}
