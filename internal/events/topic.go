package events

import (
	"fmt"
	"strings"
)

// Family identifies which of the three topic namespaces a topic belongs to.
type Family string

const (
	FamilyUser Family = "user"
	FamilyRole Family = "role"
	FamilyAll  Family = "all"
)

// Broadcast topic names under the all: family.
const (
	TopicLeaderboardUpdate = "all:leaderboard_update"
	TopicGlobalEvent       = "all:global_event"
)

// SubscribePatterns are the glob patterns the router listens on. Together
// they cover every topic a publisher can produce.
var SubscribePatterns = []string{"user:*", "role:*", "all:*"}

// UserTopic addresses a single identity: user:{role}:{id}.
func UserTopic(role, userID string) string {
	return "user:" + role + ":" + userID
}

// RoleTopic addresses every identity sharing a role: role:{role}:updates.
func RoleTopic(role string) string {
	return "role:" + role + ":updates"
}

// AllTopic addresses every connection: all:{name}.
func AllTopic(name string) string {
	return "all:" + name
}

// IdentityRoom is the transport room joined by one registered identity.
func IdentityRoom(userType, userID string) string {
	return userType + "_" + userID
}

// RoleRoom is the transport room shared by all identities of a role.
func RoleRoom(role string) string {
	return "role_" + role
}

// ValidRole reports whether role can be carried in a topic. A role is the
// segment between the first two ':' separators, so it cannot contain ':'.
// The empty role is valid: it means no role.
func ValidRole(role string) bool {
	return !strings.Contains(role, ":")
}

// Topic is a parsed broker topic.
type Topic struct {
	Family Family
	Role   string // user and role families
	UserID string // user family only
	Name   string // all family only
}

// ParseTopic classifies a topic received from the broker. Identity ids may
// contain ':' since only the first two separators are significant.
func ParseTopic(topic string) (Topic, error) {
	family, rest, ok := strings.Cut(topic, ":")
	if !ok {
		return Topic{}, fmt.Errorf("topic %q has no family prefix", topic)
	}

	switch Family(family) {
	case FamilyUser:
		role, id, ok := strings.Cut(rest, ":")
		if !ok || role == "" || id == "" {
			return Topic{}, fmt.Errorf("user topic %q must be user:{role}:{id}", topic)
		}
		return Topic{Family: FamilyUser, Role: role, UserID: id}, nil

	case FamilyRole:
		role, _, _ := strings.Cut(rest, ":")
		if role == "" {
			return Topic{}, fmt.Errorf("role topic %q must be role:{role}:updates", topic)
		}
		return Topic{Family: FamilyRole, Role: role}, nil

	case FamilyAll:
		if rest == "" {
			return Topic{}, fmt.Errorf("broadcast topic %q has no name", topic)
		}
		return Topic{Family: FamilyAll, Name: rest}, nil

	default:
		return Topic{}, fmt.Errorf("unknown topic family %q", family)
	}
}
