// Package ids provides unique identifiers, the injectable clock, and timezone
// conversion used across the coordination fabric and the backtest engine.
package ids

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall time so tests can pin it.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

func (f FixedClock) Now() time.Time { return f.T }

// NewMessageID returns a 12-hex-character identifier for broker messages.
func NewMessageID() string { return randHex(6) }

// NewSpanID returns a 16-hex-character span identifier.
func NewSpanID() string { return randHex(8) }

// NewTraceID returns a 32-hex-character trace identifier.
func NewTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NewUUID returns a canonical UUID string for entities that outlive a process
// (contexts, subscriptions, transactions).
func NewUUID() string { return uuid.NewString() }

func randHex(n int) string {
	u := uuid.New()
	return hex.EncodeToString(u[:n])
}

// ToZone converts a UTC instant into the named IANA zone. Empty or invalid
// zone names fall back to UTC so time filters degrade instead of failing.
func ToZone(t time.Time, zone string) time.Time {
	if zone == "" || zone == "UTC" {
		return t.UTC()
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return t.UTC()
	}
	return t.In(loc)
}

// ValidateZone reports whether the zone name resolves.
func ValidateZone(zone string) error {
	if zone == "" || zone == "UTC" {
		return nil
	}
	if _, err := time.LoadLocation(zone); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", zone, err)
	}
	return nil
}
