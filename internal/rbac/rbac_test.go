package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "subscriber read", role: RoleSubscriber, action: ActionRead, allow: true},
		{name: "subscriber write", role: RoleSubscriber, action: ActionWrite, allow: false},
		{name: "author write", role: RoleAuthor, action: ActionWrite, allow: true},
		{name: "author publish", role: RoleAuthor, action: ActionPublish, allow: false},
		{name: "author crm", role: RoleAuthor, action: ActionCRM, allow: false},
		{name: "editor publish", role: RoleEditor, action: ActionPublish, allow: true},
		{name: "editor crm", role: RoleEditor, action: ActionCRM, allow: true},
		{name: "editor billing", role: RoleEditor, action: ActionBilling, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown read", role: Role("ghost"), action: ActionRead, allow: false},
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
	if Normalize("editor") != RoleEditor {
		t.Fatal("expected editor")
	}
	if Normalize("superuser") != RoleSubscriber {
		t.Fatal("unknown roles fall back to subscriber")
	}
	if !IsStaff(RoleAuthor) || IsStaff(RoleSubscriber) {
		t.Fatal("unexpected staff classification")
	}
	if CanEditAny(RoleAuthor) || !CanEditAny(RoleEditor) {
		t.Fatal("unexpected edit-any classification")
	}
}
