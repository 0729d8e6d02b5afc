// Package distribution implements time-based value curves and their exact
// definite integrals. A distribution describes how a credited or debited
// amount spreads over an interval; balances are computed by integrating the
// curve up to an instant, never by numerical quadrature.
package distribution

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the curve shape of a distribution.
type Kind string

const (
	LinearUp   Kind = "LINEAR_UP"
	LinearDown Kind = "LINEAR_DOWN"
	Impulse    Kind = "IMPULSE"
	Step       Kind = "STEP"
)

// ErrInvalidParameters reports a distribution that cannot be constructed,
// e.g. a ramp with zero duration or a negative value.
type ErrInvalidParameters struct {
	Reason string
}

func (e ErrInvalidParameters) Error() string {
	return "invalid distribution parameters: " + e.Reason
}

// Distribution is a closed tagged union over the supported curve kinds.
// MainValue keeps the caller-supplied semantic value (peak for financial
// construction, total area for ownership construction); PeakValue is the
// resolved curve amplitude actually used by the evaluators.
//
// StartInstant may be the zero time while activation-dependent scheduling is
// unresolved; an unscheduled distribution evaluates and integrates to 0.
type Distribution struct {
	Kind         Kind
	MainValue    float64
	PeakValue    float64
	StartInstant time.Time
	Duration     time.Duration
}

// ForFinancial builds a distribution where mainValue is already the curve's
// peak amplitude (a rate of payment).
func ForFinancial(kind Kind, mainValue float64, start time.Time, duration time.Duration) (Distribution, error) {
	if err := validate(kind, mainValue, duration); err != nil {
		return Distribution{}, err
	}
	if kind == Impulse {
		duration = 0
	}
	return Distribution{
		Kind:         kind,
		MainValue:    mainValue,
		PeakValue:    mainValue,
		StartInstant: start,
		Duration:     duration,
	}, nil
}

// ForOwnership builds a distribution where mainValue is the total area (the
// amount eventually vested); the peak is derived so the full-duration
// integral equals that area.
func ForOwnership(kind Kind, mainValue float64, start time.Time, duration time.Duration) (Distribution, error) {
	if err := validate(kind, mainValue, duration); err != nil {
		return Distribution{}, err
	}
	d := Distribution{
		Kind:         kind,
		MainValue:    mainValue,
		StartInstant: start,
		Duration:     duration,
	}
	switch kind {
	case LinearUp, LinearDown:
		// area = peak*duration/2
		d.PeakValue = 2 * mainValue / durationMillis(duration)
	case Step:
		// area = peak*duration
		d.PeakValue = mainValue / durationMillis(duration)
	case Impulse:
		d.PeakValue = mainValue
		d.Duration = 0
	}
	return d, nil
}

func validate(kind Kind, mainValue float64, duration time.Duration) error {
	switch kind {
	case LinearUp, LinearDown, Impulse, Step:
	default:
		return ErrInvalidParameters{Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if mainValue < 0 {
		return ErrInvalidParameters{Reason: "negative value"}
	}
	if duration < 0 {
		return ErrInvalidParameters{Reason: "negative duration"}
	}
	if kind != Impulse && duration.Milliseconds() == 0 {
		return ErrInvalidParameters{Reason: "zero duration for " + string(kind)}
	}
	return nil
}

// Scheduled reports whether the distribution has a resolved start instant.
func (d Distribution) Scheduled() bool { return !d.StartInstant.IsZero() }

// WithStart returns a copy scheduled at the given instant. Used when a curve
// is defined relative to account activation.
func (d Distribution) WithStart(start time.Time) Distribution {
	d.StartInstant = start
	return d
}

// End returns the instant the curve's support ends.
func (d Distribution) End() time.Time { return d.StartInstant.Add(d.Duration) }

// EvaluateAt returns the instantaneous value at t, saturating to the boundary
// value outside the curve's support.
func (d Distribution) EvaluateAt(t time.Time) float64 {
	if !d.Scheduled() {
		return 0
	}
	switch d.Kind {
	case LinearUp:
		if t.Before(d.StartInstant) {
			return 0
		}
		elapsed := clampMax(millisBetween(d.StartInstant, t), durationMillis(d.Duration))
		return d.PeakValue * (elapsed / durationMillis(d.Duration))
	case LinearDown:
		if t.Before(d.StartInstant) {
			return d.PeakValue
		}
		elapsed := clampMax(millisBetween(d.StartInstant, t), durationMillis(d.Duration))
		return d.PeakValue * (1 - elapsed/durationMillis(d.Duration))
	case Impulse:
		if t.Equal(d.StartInstant) {
			return d.PeakValue
		}
		return 0
	case Step:
		if t.Before(d.StartInstant) || t.After(d.End()) {
			return 0
		}
		return d.PeakValue
	}
	return 0
}

// IntegrateFromTo returns the exact definite integral of the curve over
// [from, to], with both bounds clamped into the curve's support. An empty or
// inverted interval integrates to 0.
func (d Distribution) IntegrateFromTo(from, to time.Time) float64 {
	if !d.Scheduled() {
		return 0
	}
	if d.Kind == Impulse {
		// The impulse contributes its full peak to any interval straddling
		// the start instant (millisecond resolution).
		if millisBetween(d.StartInstant, from) <= 0 && millisBetween(d.StartInstant, to) > 0 {
			return d.PeakValue
		}
		return 0
	}
	dur := durationMillis(d.Duration)
	a := clamp(millisBetween(d.StartInstant, from), 0, dur)
	b := clamp(millisBetween(d.StartInstant, to), 0, dur)
	if b <= a {
		return 0
	}
	switch d.Kind {
	case LinearUp:
		// f(t) = peak*t/dur, antiderivative peak*t²/(2·dur)
		return d.PeakValue / (2 * dur) * (b*b - a*a)
	case LinearDown:
		// f(t) = peak*(1 - t/dur), antiderivative peak*(t - t²/(2·dur))
		anti := func(x float64) float64 { return d.PeakValue * (x - (x*x)/(2*dur)) }
		return anti(b) - anti(a)
	case Step:
		return d.PeakValue * (b - a)
	}
	return 0
}

// IntegrateTo integrates from the curve's start to the given instant, or 0 if
// the distribution is unscheduled.
func (d Distribution) IntegrateTo(to time.Time) float64 {
	if !d.Scheduled() {
		return 0
	}
	return d.IntegrateFromTo(d.StartInstant, to)
}

func durationMillis(d time.Duration) float64 { return float64(d.Milliseconds()) }

func millisBetween(from, to time.Time) float64 {
	return float64(to.UnixMilli() - from.UnixMilli())
}

func clampMax(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

type distributionJSON struct {
	Kind         Kind    `json:"distributionType"`
	MainValue    float64 `json:"mainValue"`
	PeakValue    float64 `json:"peakValue"`
	StartInstant *string `json:"startInstant,omitempty"`
	DurationMs   int64   `json:"durationMs"`
}

// MarshalJSON encodes the distribution with its kind tag, matching the wire
// shape stored in event payloads and view rows.
func (d Distribution) MarshalJSON() ([]byte, error) {
	out := distributionJSON{
		Kind:       d.Kind,
		MainValue:  d.MainValue,
		PeakValue:  d.PeakValue,
		DurationMs: d.Duration.Milliseconds(),
	}
	if d.Scheduled() {
		s := d.StartInstant.UTC().Format(time.RFC3339Nano)
		out.StartInstant = &s
	}
	return json.Marshal(out)
}

func (d *Distribution) UnmarshalJSON(data []byte) error {
	var in distributionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case LinearUp, LinearDown, Impulse, Step:
	default:
		return fmt.Errorf("unknown distribution type %q", in.Kind)
	}
	d.Kind = in.Kind
	d.MainValue = in.MainValue
	d.PeakValue = in.PeakValue
	d.Duration = time.Duration(in.DurationMs) * time.Millisecond
	d.StartInstant = time.Time{}
	if in.StartInstant != nil {
		start, err := time.Parse(time.RFC3339Nano, *in.StartInstant)
		if err != nil {
			return fmt.Errorf("parse startInstant: %w", err)
		}
		d.StartInstant = start
	}
	return nil
}
