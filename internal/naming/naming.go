package naming

import (
	"fmt"
	"strings"
)

// minSegments is the number of dash-separated segments a well-formed
// device identifier has: {env}-{rack}-{role}.
const minSegments = 3

// Identity is the parsed form of a device identifier.
//
// Identifiers follow the scheme {env}-{rack}-{role}, for example
// "dev-RACK01-LOCK01" or "dev-RACK01-MASTER". The role is everything after
// the second dash, so roles may themselves contain dashes.
type Identity struct {
	Env  string
	Rack string
	Role string
}

// Parse splits a device identifier into environment, rack and role.
//
// Parameters:
//   - id: The raw device identifier
//
// Returns:
//   - Identity: Parsed identity (zero value if not parseable)
//   - bool: false if the identifier has fewer than 3 dash-separated segments
func Parse(id string) (Identity, bool) {
	parts := strings.Split(id, "-")
	if len(parts) < minSegments {
		return Identity{}, false
	}
	return Identity{
		Env:  parts[0],
		Rack: parts[1],
		Role: strings.Join(parts[2:], "-"),
	}, true
}

// IsMaster reports whether the identifier names a rack master device.
//
// A device is a master iff its role segment equals "MASTER" (case-insensitive).
// Unparseable identifiers are never masters.
func IsMaster(id string) bool {
	identity, ok := Parse(id)
	if !ok {
		return false
	}
	return strings.EqualFold(identity.Role, "MASTER")
}

// IsLock reports whether the identifier names a lock device.
//
// A device is a lock if its role starts with "LOCK" or contains "BIKE" or
// "SCOOTER" (all case-insensitive). Identifiers that do not parse fall back
// to a substring match over the whole identifier, so legacy names like
// "weirdname-with-bike" still classify as locks.
func IsLock(id string) bool {
	identity, ok := Parse(id)

	subject := id
	if ok {
		subject = identity.Role
	}
	upper := strings.ToUpper(subject)

	if ok && strings.HasPrefix(upper, "LOCK") {
		return true
	}
	if !ok && strings.Contains(upper, "LOCK") {
		return true
	}
	return strings.Contains(upper, "BIKE") || strings.Contains(upper, "SCOOTER")
}

// RackGroup aggregates the devices of one physical rack.
//
// A rack holds at most one master device plus any number of lock devices.
// LockIDs preserves the order in which the devices were first seen.
type RackGroup struct {
	Env      string
	Rack     string
	MasterID string
	LockIDs  []string
}

// FullName returns the rack's canonical name, "{env}-{rackName}".
func (g *RackGroup) FullName() string {
	return fmt.Sprintf("%s-%s", g.Env, g.Rack)
}

// HasMaster reports whether a master device was assigned to this rack.
func (g *RackGroup) HasMaster() bool {
	return g.MasterID != ""
}

// Logger is the logging interface used by GroupByRack.
type Logger interface {
	Warn(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// GroupByRack groups a flat device list into rack aggregates.
//
// The input is iterated in order; each parseable identifier is assigned to
// the group for its (env, rack) pair, created lazily on first sight.
// Master-classified devices become the group's master; lock-classified
// devices are appended to LockIDs in input order. Unparseable identifiers
// are skipped with a warning. The result is deterministic for identical
// input order.
//
// Parameters:
//   - ids: Device identifiers in presentation order
//   - logger: Warning sink for skipped identifiers (nil for none)
//
// Returns:
//   - map[string]*RackGroup: Groups keyed by rack full name ("{env}-{rack}")
func GroupByRack(ids []string, logger Logger) map[string]*RackGroup {
	if logger == nil {
		logger = noopLogger{}
	}

	groups := make(map[string]*RackGroup)
	for _, id := range ids {
		identity, ok := Parse(id)
		if !ok {
			logger.Warn("skipping unparseable device identifier", "device_id", id)
			continue
		}

		key := identity.Env + "-" + identity.Rack
		group, exists := groups[key]
		if !exists {
			group = &RackGroup{Env: identity.Env, Rack: identity.Rack}
			groups[key] = group
		}

		switch {
		case IsMaster(id):
			if group.MasterID != "" {
				logger.Warn("duplicate master for rack, keeping first",
					"rack", key,
					"kept", group.MasterID,
					"ignored", id,
				)
				continue
			}
			group.MasterID = id
		case IsLock(id):
			group.LockIDs = append(group.LockIDs, id)
		default:
			logger.Warn("device is neither master nor lock, ignoring", "device_id", id)
		}
	}

	return groups
}
