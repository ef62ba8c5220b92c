package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// idNamespace scopes every deterministic identifier.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://transferlens.app/ids"))

// DeterministicID returns a UUIDv5 over the joined parts.
func DeterministicID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "|"))).String()
}

// ts renders an instant for use inside identifiers.
func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// day truncates t to its UTC calendar date.
func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time { return day(t) }
