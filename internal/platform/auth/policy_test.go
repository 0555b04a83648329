package auth

import "testing"

func TestPolicy_RoleHierarchy(t *testing.T) {
	p, err := NewPolicy([]Rule{
		{Role: RoleStaff, Object: "request", Action: "pending->contacted"},
		{Role: RoleManager, Object: "request", Action: "confirmed->cancelled"},
	})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	tests := []struct {
		role   string
		action string
		want   bool
	}{
		{RoleStaff, "pending->contacted", true},
		{RoleDentist, "pending->contacted", true},
		{RoleAdmin, "pending->contacted", true},
		{RoleStaff, "confirmed->cancelled", false},
		{RoleDentist, "confirmed->cancelled", false},
		{RoleManager, "confirmed->cancelled", true},
		{RoleAdmin, "confirmed->cancelled", true},
		{RoleAdmin, "completed->pending", false},
		{"receptionist", "pending->contacted", false},
	}
	for _, tt := range tests {
		got, err := p.Enforce(tt.role, "request", tt.action)
		if err != nil {
			t.Fatalf("Enforce(%s, %s): %v", tt.role, tt.action, err)
		}
		if got != tt.want {
			t.Errorf("Enforce(%s, %s) = %v, want %v", tt.role, tt.action, got, tt.want)
		}
	}
}

func TestNewPolicy_UnknownRole(t *testing.T) {
	if _, err := NewPolicy([]Rule{{Role: "janitor", Object: "request", Action: "x"}}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
