package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-security/kestrel/internal/baseline"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/repository"
)

// offHoursRule flags authentication activity outside configured business
// hours. Two variants share the config: the successful-only variant
// checks the most recently inserted successful event for the IP, while
// the general variant accumulates a multiplier-weighted anomaly score
// over the window's off-hours attempts.
type offHoursRule struct {
	cond     OffHoursConditions
	workDays map[string]bool
	agg      Aggregates
	profiles *baseline.Store
	approval bool
}

func (r *offHoursRule) isOffHours(t time.Time) bool {
	if !r.workDays[t.Weekday().String()[:3]] {
		return true
	}
	hour := t.Hour()
	return hour < r.cond.WorkStartHour || hour >= r.cond.WorkEndHour
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func (r *offHoursRule) Evaluate(ctx context.Context, in *Input) (domain.Verdict, error) {
	if r.cond.SuccessfulOnly {
		return r.evaluateSuccessful(ctx, in)
	}
	return r.evaluateGeneral(ctx, in)
}

// evaluateSuccessful triggers when the IP's most recently inserted
// successful login falls outside business hours or on a weekend. It
// orders by insertion sequence rather than event time on purpose:
// late-arriving batches still get examined.
func (r *offHoursRule) evaluateSuccessful(ctx context.Context, in *Input) (domain.Verdict, error) {
	v := &domain.OffHoursVerdict{}

	latest, err := r.agg.LatestSuccessfulByInsertion(ctx, in.Event.TenantID, in.Event.IP)
	if errors.Is(err, repository.ErrNotFound) {
		v.Reason = "no successful logins for this IP"
		return v, nil
	}
	if err != nil {
		return nil, err
	}

	if !r.isOffHours(latest.Timestamp) && !isWeekend(latest.Timestamp) {
		v.Reason = fmt.Sprintf("latest successful login at %s is inside business hours", latest.Timestamp.Format(time.RFC3339))
		return v, nil
	}

	v.OffHoursAttempts = 1
	v.Triggered = true
	v.RequiresApproval = r.approval
	v.Reason = fmt.Sprintf("successful login at %s outside business hours", latest.Timestamp.Format(time.RFC3339))
	return v, nil
}

func (r *offHoursRule) evaluateGeneral(ctx context.Context, in *Input) (domain.Verdict, error) {
	v := &domain.OffHoursVerdict{}

	since := in.Event.Timestamp.Add(-time.Duration(r.cond.TimeWindowMinutes) * time.Minute)
	times, err := r.agg.ListEventTimesByIP(ctx, in.Event.TenantID, in.Event.IP, since)
	if err != nil {
		return nil, err
	}

	count := 0
	for _, t := range times {
		if r.isOffHours(t) {
			count++
		}
	}
	v.OffHoursAttempts = count
	if count == 0 {
		v.Reason = "no off-hours attempts in window"
		return v, nil
	}

	rep, err := ipReputation(ctx, r.agg, in)
	if err != nil {
		return nil, err
	}
	threatMult := 1.0
	switch {
	case rep >= 75:
		threatMult = 2.0
	case rep >= 25:
		threatMult = 1.5
	}

	baselineMult := 1.0
	if dev, ok, err := r.baselineHourDeviation(ctx, in); err != nil {
		return nil, err
	} else if ok && dev >= 6 {
		baselineMult = 1.5
	}

	weekendMult := 1.0
	if isWeekend(in.Event.Timestamp) {
		weekendMult = 1.3
	}

	v.AnomalyScore = float64(count) * threatMult * baselineMult * weekendMult

	min := r.cond.MinOffHoursAttempts
	if count < min && v.AnomalyScore < float64(2*min) {
		v.Reason = fmt.Sprintf("%d off-hours attempts (score %.1f), below %d", count, v.AnomalyScore, min)
		return v, nil
	}

	v.Triggered = true
	v.RequiresApproval = r.approval
	v.Reason = fmt.Sprintf("%d off-hours attempts from %s, anomaly score %.1f", count, in.Event.IP, v.AnomalyScore)
	return v, nil
}

// baselineHourDeviation returns how far the current attempt's hour sits
// from the target user's average login hour. ok is false when the user
// has no learned hours.
func (r *offHoursRule) baselineHourDeviation(ctx context.Context, in *Input) (int, bool, error) {
	if in.Event.Username == "" {
		return 0, false, nil
	}
	profile, err := r.profiles.Profile(ctx, in.Event.TenantID, in.Event.Username)
	if err != nil {
		return 0, false, err
	}
	if profile == nil || len(profile.TypicalHours) == 0 {
		return 0, false, nil
	}

	var weighted, total float64
	for hour, n := range profile.TypicalHours {
		weighted += float64(hour * n)
		total += float64(n)
	}
	avg := int(math.Round(weighted / total))

	dev := in.Event.Timestamp.Hour() - avg
	if dev < 0 {
		dev = -dev
	}
	if 24-dev < dev {
		dev = 24 - dev
	}
	return dev, true, nil
}
