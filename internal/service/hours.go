package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// HoursConfig describes the static trading window.
type HoursConfig struct {
	// Open and Close are "HH:MM" clock values in Timezone.
	Open     string
	Close    string
	Weekdays []string
	Timezone string
}

// calendarClient is the slice of the Alpaca SDK the hours gate needs.
type calendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// TradingHours gates mutating trade operations on the market session. The
// static window always applies; when a calendar client is attached, exchange
// holidays that fall inside the window are rejected too.
type TradingHours struct {
	openMinute  int
	closeMinute int
	weekdays    map[time.Weekday]bool
	loc         *time.Location
	calendar    calendarClient
	logger      *slog.Logger
}

// NewTradingHours builds the gate from config. It returns an error for
// malformed clock values or an unknown timezone.
func NewTradingHours(cfg HoursConfig, logger *slog.Logger) (*TradingHours, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("service: load timezone %q: %w", cfg.Timezone, err)
	}

	openMin, err := parseClockMinute(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("service: parse window open: %w", err)
	}
	closeMin, err := parseClockMinute(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("service: parse window close: %w", err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("service: window close %q must be after open %q", cfg.Close, cfg.Open)
	}

	weekdays := make(map[time.Weekday]bool, len(cfg.Weekdays))
	for _, name := range cfg.Weekdays {
		day, err := parseWeekday(name)
		if err != nil {
			return nil, err
		}
		weekdays[day] = true
	}

	return &TradingHours{
		openMinute:  openMin,
		closeMinute: closeMin,
		weekdays:    weekdays,
		loc:         loc,
		logger:      logger.With(slog.String("component", "trading_hours")),
	}, nil
}

// WithCalendar attaches an Alpaca calendar client so exchange holidays are
// checked in addition to the static window.
func (h *TradingHours) WithCalendar(c calendarClient) *TradingHours {
	h.calendar = c
	return h
}

// EnsureOpen returns domain.ErrMarketClosed when trading must not proceed at
// the given instant. A calendar lookup failure fails open with a warning:
// the static window already bounds the damage, and a flaky calendar API must
// not halt trading by itself.
func (h *TradingHours) EnsureOpen(ctx context.Context, at time.Time) error {
	local := at.In(h.loc)

	if !h.weekdays[local.Weekday()] {
		return domain.ErrMarketClosed
	}
	minute := local.Hour()*60 + local.Minute()
	if minute < h.openMinute || minute >= h.closeMinute {
		return domain.ErrMarketClosed
	}

	if h.calendar != nil {
		open, err := h.calendarOpen(local)
		if err != nil {
			h.logger.Warn("calendar lookup failed, falling back to static window",
				slog.String("error", err.Error()))
		} else if !open {
			return domain.ErrMarketClosed
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

// calendarOpen reports whether the exchange calendar lists the local date as
// a trading day.
func (h *TradingHours) calendarOpen(local time.Time) (bool, error) {
	days, err := h.calendar.GetCalendar(alpaca.GetCalendarRequest{
		Start: local,
		End:   local,
	})
	if err != nil {
		return false, fmt.Errorf("get calendar: %w", err)
	}

	date := local.Format("2006-01-02")
	for _, day := range days {
		if day.Date == date {
			return true, nil
		}
	}
	return false, nil
}

func parseClockMinute(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String() == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("service: invalid weekday %q", name)
}
