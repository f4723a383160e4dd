package domain

import (
	"errors"
	"strings"
	"time"
)

type ClipID string

// Clip is a catalog record as handed over by the clip repository.
type Clip struct {
	ID       ClipID    `json:"id"`
	Channel  string    `json:"channel"`
	Show     string    `json:"show"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	URLHD    string    `json:"urlHd,omitempty"`
	URLLow   string    `json:"urlLow,omitempty"`
	SizeHint int64     `json:"sizeHint"`
	Airtime  time.Time `json:"airtime"`
}

// BestURL returns the highest quality playback URL the record carries.
func (c Clip) BestURL() string {
	for _, u := range []string{c.URLHD, c.URL, c.URLLow} {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func (c Clip) Validate() error {
	if strings.TrimSpace(string(c.ID)) == "" {
		return errors.New("clip id is required")
	}
	if c.BestURL() == "" {
		return errors.New("clip has no playback url")
	}
	if c.SizeHint < 0 {
		return errors.New("sizeHint must not be negative")
	}
	return nil
}
