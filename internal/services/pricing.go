package services

import (
	"time"
)

const (
	studioOpenHour  = 9
	studioCloseHour = 22
)

type PricingConfig struct {
	HourlyRateCents    int64
	SameDayFeeCents    int64
	AfterHoursFeeCents int64
	MaxDurationHours   int
	Location           *time.Location
}

// Quote is the price of a session. Fees are charged with the deposit, so
// they are added to both DepositAmount and TotalAmount.
type Quote struct {
	BaseDeposit         int64
	DepositAmount       int64
	TotalAmount         int64
	RemainderAmount     int64
	SameDayFee          bool
	SameDayFeeAmount    int64
	AfterHoursFee       bool
	AfterHoursFeeAmount int64
}

func (p PricingConfig) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func (p PricingConfig) ValidateDuration(hours int) error {
	maxHours := p.MaxDurationHours
	if maxHours <= 0 {
		maxHours = 6
	}
	if hours < 1 || hours > maxHours {
		return validationError("duration must be between 1 and %d hours", maxHours)
	}
	return nil
}

// Quote prices a session of whole hours. One-hour sessions are paid in
// full up front; longer sessions take half of the base price as deposit.
func (p PricingConfig) Quote(start time.Time, hours int, now time.Time) (Quote, error) {
	if err := p.ValidateDuration(hours); err != nil {
		return Quote{}, err
	}

	base := p.HourlyRateCents * int64(hours)
	deposit := base
	if hours > 1 {
		deposit = base / 2
	}

	q := Quote{BaseDeposit: deposit}
	loc := p.location()
	localStart := start.In(loc)
	localNow := now.In(loc)

	if sameDate(localStart, localNow) && p.SameDayFeeCents > 0 {
		q.SameDayFee = true
		q.SameDayFeeAmount = p.SameDayFeeCents
	}

	closing := time.Date(localStart.Year(), localStart.Month(), localStart.Day(), studioCloseHour, 0, 0, 0, loc)
	localEnd := localStart.Add(time.Duration(hours) * time.Hour)
	if (localStart.Hour() < studioOpenHour || localEnd.After(closing)) && p.AfterHoursFeeCents > 0 {
		q.AfterHoursFee = true
		q.AfterHoursFeeAmount = p.AfterHoursFeeCents
	}

	fees := q.SameDayFeeAmount + q.AfterHoursFeeAmount
	q.DepositAmount = deposit + fees
	q.TotalAmount = base + fees
	q.RemainderAmount = q.TotalAmount - q.DepositAmount
	return q, nil
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
