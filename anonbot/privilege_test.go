package anonbot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestPrivilege_Allows(t *testing.T) {
	t.Parallel()
	tests := []struct {
		have     Privilege
		required Privilege
		allowed  bool
	}{
		{PrivilegeMember, PrivilegeMember, true},
		{PrivilegeMember, PrivilegeAdmin, false},
		{PrivilegeMember, PrivilegeGod, false},
		{PrivilegeAdmin, PrivilegeMember, true},
		{PrivilegeAdmin, PrivilegeAdmin, true},
		{PrivilegeAdmin, PrivilegeGod, false},
		{PrivilegeGod, PrivilegeMember, true},
		{PrivilegeGod, PrivilegeAdmin, true},
		{PrivilegeGod, PrivilegeGod, true},
	}
	for _, tt := range tests {
		t.Run(
			tt.have.String()+"/"+tt.required.String(), func(t *testing.T) {
				assert.Equal(t, tt.allowed, tt.have.Allows(tt.required))
			},
		)
	}
}

func TestParsePrivilege(t *testing.T) {
	t.Parallel()
	for _, p := range []Privilege{PrivilegeMember, PrivilegeAdmin, PrivilegeGod} {
		parsed, err := ParsePrivilege(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	parsed, err := ParsePrivilege(" ADMIN ")
	require.NoError(t, err)
	assert.Equal(t, PrivilegeAdmin, parsed)

	_, err = ParsePrivilege("owner")
	assert.Error(t, err)

	assert.Equal(t, "unknown", Privilege(99).String())
}

func TestPrivilege_Text(t *testing.T) {
	t.Parallel()
	text, err := PrivilegeGod.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "god", string(text))

	_, err = Privilege(99).MarshalText()
	assert.Error(t, err)

	var p Privilege
	require.NoError(t, p.UnmarshalText([]byte("admin")))
	assert.Equal(t, PrivilegeAdmin, p)
	assert.Error(t, p.UnmarshalText([]byte("nobody")))
}
