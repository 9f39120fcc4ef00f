package models

import "testing"

func TestRoleOrdering(t *testing.T) {
	ordered := []CollaboratorRole{RoleRead, RoleTriage, RoleWrite, RoleMaintain, RoleAdmin}
	for i, lower := range ordered {
		for j, higher := range ordered {
			got := higher.HasLevel(lower)
			want := j >= i
			if got != want {
				t.Errorf("%s.HasLevel(%s) = %v, want %v", higher, lower, got, want)
			}
		}
	}
}

func TestRoleHasLevelUnknown(t *testing.T) {
	unknown := CollaboratorRole("owner")
	if unknown.HasLevel(RoleRead) {
		t.Error("unknown role should not satisfy any level")
	}
	if RoleAdmin.HasLevel(unknown) {
		t.Error("no role should satisfy an unknown requirement")
	}
	if unknown.Valid() {
		t.Error("unknown role should not be valid")
	}
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"read", "triage", "write", "maintain", "admin"} {
		role, err := ParseRole(s)
		if err != nil {
			t.Errorf("ParseRole(%q) failed: %v", s, err)
		}
		if string(role) != s {
			t.Errorf("ParseRole(%q) = %q", s, role)
		}
	}
	if _, err := ParseRole("Write"); err == nil {
		t.Error("role parsing should be case-sensitive")
	}
	if _, err := ParseRole(""); err == nil {
		t.Error("empty role should be rejected")
	}
}

func TestOrgDefaultsLookup(t *testing.T) {
	yes, no := true, false
	defaults := OrgDefaults{
		"write": {
			"protected": {Write: &yes},
			"standard":  {Read: &no},
		},
	}

	allowed, ok := defaults.Lookup(RoleWrite, "protected", true)
	if !ok || !allowed {
		t.Errorf("expected defined write grant, got allowed=%v ok=%v", allowed, ok)
	}
	allowed, ok = defaults.Lookup(RoleWrite, "standard", false)
	if !ok || allowed {
		t.Errorf("expected defined read denial, got allowed=%v ok=%v", allowed, ok)
	}
	// Cell defines write only; read is undefined and falls through.
	if _, ok := defaults.Lookup(RoleWrite, "protected", false); ok {
		t.Error("read should be undefined when the cell only sets write")
	}
	if _, ok := defaults.Lookup(RoleAdmin, "protected", true); ok {
		t.Error("missing role should be undefined")
	}
	if _, ok := OrgDefaults(nil).Lookup(RoleRead, "standard", false); ok {
		t.Error("nil matrix should define nothing")
	}
}
