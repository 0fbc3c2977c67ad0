package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "citizen read", role: RoleCitizen, action: ActionRead, allow: true},
		{name: "citizen report", role: RoleCitizen, action: ActionReport, allow: true},
		{name: "citizen vote", role: RoleCitizen, action: ActionVote, allow: true},
		{name: "citizen analytics", role: RoleCitizen, action: ActionAnalytics, allow: false},
		{name: "citizen moderate", role: RoleCitizen, action: ActionModerate, allow: false},
		{name: "authority analytics", role: RoleAuthority, action: ActionAnalytics, allow: true},
		{name: "authority moderate", role: RoleAuthority, action: ActionModerate, allow: true},
		{name: "authority report", role: RoleAuthority, action: ActionReport, allow: false},
		{name: "admin analytics", role: RoleAdmin, action: ActionAnalytics, allow: true},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown read", role: Role("banned"), action: ActionRead, allow: false},
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
	if got := Normalize("authority"); got != RoleAuthority {
		t.Fatalf("Normalize(authority) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleCitizen {
		t.Fatalf("Normalize(superuser) = %q, want citizen fallback", got)
	}
}
