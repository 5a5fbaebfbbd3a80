// Package maintenance answers whether the target registry is inside its
// nightly maintenance window.
package maintenance

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Defaults mirror the registry's published schedule.
const (
	DefaultZone  = "Asia/Kolkata"
	DefaultStart = "22:58"
	DefaultEnd   = "00:31"
)

// Config describes a daily window in a named zone. Start is inclusive and End
// exclusive; a window whose End is earlier than Start spans midnight.
type Config struct {
	Zone  string `mapstructure:"zone"`
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// Gate evaluates the window against an injected clock.
type Gate struct {
	loc   *time.Location
	start time.Duration
	end   time.Duration
	raw   Config
	now   func() time.Time
}

// New parses the config. Empty fields take the package defaults.
func New(cfg Config, now func() time.Time) (*Gate, error) {
	if cfg.Zone == "" {
		cfg.Zone = DefaultZone
	}
	if cfg.Start == "" {
		cfg.Start = DefaultStart
	}
	if cfg.End == "" {
		cfg.End = DefaultEnd
	}
	loc, err := time.LoadLocation(cfg.Zone)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", cfg.Zone, err)
	}
	start, err := parseClock(cfg.Start)
	if err != nil {
		return nil, fmt.Errorf("maintenance start: %w", err)
	}
	end, err := parseClock(cfg.End)
	if err != nil {
		return nil, fmt.Errorf("maintenance end: %w", err)
	}
	if start == end {
		return nil, fmt.Errorf("maintenance window %s-%s is empty", cfg.Start, cfg.End)
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{loc: loc, start: start, end: end, raw: cfg, now: now}, nil
}

// IsBlocked reports whether t falls inside the window once converted to the
// configured zone.
func (g *Gate) IsBlocked(t time.Time) bool {
	local := t.In(g.loc)
	offset := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	if g.start < g.end {
		return offset >= g.start && offset < g.end
	}
	return offset >= g.start || offset < g.end
}

// Blocked evaluates the window at the current clock reading.
func (g *Gate) Blocked() bool {
	return g.IsBlocked(g.now())
}

// Message is the user-facing rejection text.
func (g *Gate) Message() string {
	return fmt.Sprintf("Website under maintenance. Please try again after %s %s.", g.raw.End, g.raw.Zone)
}

func parseClock(value string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", value)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
