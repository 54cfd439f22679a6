package rbac

import (
	"testing"

	"github.com/NicolasHaas/reverb/pkg/model"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role model.Role
		perm model.Permission
		want bool
	}{
		{model.RoleAdmin, model.PermCreateChannel, true},
		{model.RoleAdmin, model.PermDeleteChannel, true},
		{model.RoleModerator, model.PermCreateChannel, true},
		{model.RoleModerator, model.PermDeleteChannel, false},
		{model.RoleUser, model.PermCreateChannel, false},
		{model.RoleUser, model.PermDeleteChannel, false},
		{model.Role(42), model.PermCreateChannel, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%v, %s) = %v, want %v", tt.role, permName(tt.perm), got, tt.want)
		}
	}
}

func TestRequirePermission(t *testing.T) {
	if msg := RequirePermission(model.RoleAdmin, model.PermDeleteChannel); msg != "" {
		t.Errorf("admin delete: got %q, want empty", msg)
	}
	want := "permission denied: delete_channel requires higher role"
	if msg := RequirePermission(model.RoleUser, model.PermDeleteChannel); msg != want {
		t.Errorf("user delete: got %q, want %q", msg, want)
	}
}
