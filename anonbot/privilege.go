package anonbot

import (
	"errors"
	"strings"
)

// Privilege is the access tier of a user. Tiers are ordered, so a
// requirement is met by any privilege greater than or equal to it.
type Privilege int

const (
	// PrivilegeMember is any guild member
	PrivilegeMember Privilege = iota

	// PrivilegeAdmin is granted at runtime via `/admin manage`
	PrivilegeAdmin

	// PrivilegeGod is configured statically with `god_admins`
	PrivilegeGod
)

var privilegeStrings = map[Privilege]string{
	PrivilegeMember: "member",
	PrivilegeAdmin:  "admin",
	PrivilegeGod:    "god",
}

var errInvalidPrivilege = errors.New("invalid privilege")

// ParsePrivilege returns the Privilege for the given string
// (case-insensitive)
func ParsePrivilege(s string) (Privilege, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range privilegeStrings {
		if s == name {
			return p, nil
		}
	}
	return PrivilegeMember, errInvalidPrivilege
}

func (p Privilege) String() string {
	if s, ok := privilegeStrings[p]; ok {
		return s
	}
	return "unknown"
}

// Allows reports whether p satisfies the required privilege
func (p Privilege) Allows(required Privilege) bool {
	return p >= required
}

func (p Privilege) MarshalText() ([]byte, error) {
	if _, ok := privilegeStrings[p]; !ok {
		return nil, errInvalidPrivilege
	}
	return []byte(p.String()), nil
}

func (p *Privilege) UnmarshalText(text []byte) error {
	parsed, err := ParsePrivilege(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
