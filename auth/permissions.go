package auth

import (
	"sort"
	"strings"
)

// Capabilities a contributor can hold in a live thread
const (
	Update   = "update"
	Edit     = "edit"
	Manage   = "manage"
	Settings = "settings"
	Close    = "close"
)

const superuserString = "+all"

// Capabilities returns all known contributor capabilities in serialization
// order
func Capabilities() []string {
	return []string{Close, Edit, Manage, Settings, Update}
}

func isCapability(s string) bool {
	switch s {
	case Update, Edit, Manage, Settings, Close:
		return true
	}
	return false
}

// Permissions is an immutable set of contributor capabilities for a thread
type Permissions struct {
	superuser bool
	caps      map[string]bool
}

// Superuser returns a permission set that allows everything
func Superuser() Permissions {
	return Permissions{superuser: true}
}

// NoPermissions returns a permission set that allows nothing
func NoPermissions() Permissions {
	return Permissions{}
}

// NewPermissions creates a permission set granting the passed capabilities.
// Unknown capabilities are ignored.
func NewPermissions(caps ...string) Permissions {
	p := Permissions{caps: make(map[string]bool, len(caps))}
	for _, c := range caps {
		if isCapability(c) {
			p.caps[c] = true
		}
	}
	return p
}

// IsSuperuser returns, if p implicitly allows every capability
func (p Permissions) IsSuperuser() bool {
	return p.superuser
}

// Allow returns, if p grants the capability
func (p Permissions) Allow(capability string) bool {
	if p.superuser {
		return true
	}
	return p.caps[capability]
}

// Any returns, if p grants at least one capability
func (p Permissions) Any() bool {
	if p.superuser {
		return true
	}
	for _, v := range p.caps {
		if v {
			return true
		}
	}
	return false
}

// Without returns a copy of p lacking the capability. A superuser set is
// expanded into an explicit full set first.
func (p Permissions) Without(capability string) Permissions {
	c := Permissions{caps: make(map[string]bool, len(p.caps)+5)}
	if p.superuser {
		for _, cap := range Capabilities() {
			c.caps[cap] = true
		}
	} else {
		for k, v := range p.caps {
			c.caps[k] = v
		}
	}
	c.caps[capability] = false
	return c
}

// Dumps serializes p into its compact storage form
func (p Permissions) Dumps() string {
	if p.superuser {
		return superuserString
	}

	keys := make([]string, 0, len(p.caps))
	for k := range p.caps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if p.caps[k] {
			parts = append(parts, "+"+k)
		} else {
			parts = append(parts, "-"+k)
		}
	}
	return strings.Join(parts, ",")
}

func (p Permissions) String() string {
	return p.Dumps()
}

// LoadPermissions parses the storage form of a permission set. Unknown
// capabilities and malformed entries are ignored.
func LoadPermissions(s string) Permissions {
	p := Permissions{caps: make(map[string]bool)}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if len(part) < 2 {
			continue
		}
		if part == superuserString {
			return Superuser()
		}

		var val bool
		switch part[0] {
		case '+':
			val = true
		case '-':
		default:
			continue
		}
		if name := part[1:]; isCapability(name) {
			p.caps[name] = val
		}
	}
	return p
}

// MarshalText implements encoding.TextMarshaler
func (p Permissions) MarshalText() ([]byte, error) {
	return []byte(p.Dumps()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Permissions) UnmarshalText(buf []byte) error {
	*p = LoadPermissions(string(buf))
	return nil
}

// Viewer describes who is acting on a thread
type Viewer struct {
	UserID   uint64
	LoggedIn bool
	Admin    bool
}

// Effective computes the permissions a viewer actually holds in a thread.
// Admins are superusers. Logged out viewers hold nothing. Closed threads
// revoke the update and close capabilities from everyone.
func Effective(stored Permissions, v Viewer, live bool) Permissions {
	var p Permissions
	switch {
	case v.Admin:
		p = Superuser()
	case !v.LoggedIn:
		return NoPermissions()
	default:
		p = stored
	}
	if !live {
		p = p.Without(Update).Without(Close)
	}
	return p
}
