// Package billing defines the attribution and billing-mode types and the
// resolver that classifies an account into a billing mode.
package billing

import (
	"fmt"
	"strings"
)

// AttributionKind discriminates the two billable entity kinds.
type AttributionKind string

const (
	AttributionKindUser AttributionKind = "user"
	AttributionKindTeam AttributionKind = "team"
)

// AttributionID identifies the billable entity (a user or a team) that usage
// and billing lookups are keyed by. It is a comparable value type; two
// AttributionIDs are equal iff kind and id both match.
type AttributionID struct {
	Kind AttributionKind
	ID   string
}

// UserAttribution returns the attribution for an individual user.
func UserAttribution(userID string) AttributionID {
	return AttributionID{Kind: AttributionKindUser, ID: userID}
}

// TeamAttribution returns the attribution for a team/organization.
func TeamAttribution(teamID string) AttributionID {
	return AttributionID{Kind: AttributionKindTeam, ID: teamID}
}

// String renders the canonical "<kind>:<id>" form used as a lookup key.
func (a AttributionID) String() string {
	return string(a.Kind) + ":" + a.ID
}

// ParseAttributionID parses the canonical "<kind>:<id>" form.
func ParseAttributionID(s string) (AttributionID, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return AttributionID{}, fmt.Errorf("invalid attribution id %q", s)
	}
	switch AttributionKind(kind) {
	case AttributionKindUser, AttributionKindTeam:
		return AttributionID{Kind: AttributionKind(kind), ID: id}, nil
	default:
		return AttributionID{}, fmt.Errorf("unknown attribution kind %q", kind)
	}
}

// MarshalText renders the canonical string form, so AttributionIDs appear as
// "user:<id>" / "team:<id>" in JSON payloads.
func (a AttributionID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the canonical string form.
func (a *AttributionID) UnmarshalText(b []byte) error {
	parsed, err := ParseAttributionID(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
