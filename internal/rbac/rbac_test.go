package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "member write", role: RoleMember, action: ActionWrite, allow: true},
		{name: "member approve", role: RoleMember, action: ActionApprove, allow: false},
		{name: "manager approve", role: RoleManager, action: ActionApprove, allow: true},
		{name: "manager admin", role: RoleManager, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown read", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("manager"); got != RoleManager {
		t.Fatalf("Normalize(manager) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleViewer {
		t.Fatalf("unknown roles must fall back to viewer, got %q", got)
	}
}
