package rbac

import (
	"testing"

	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role     string
		perm     string
		expected bool
	}{
		{models.RoleChannelOwner, PermAcceptDeal, true},
		{models.RoleChannelOwner, PermSubmitCreative, true},
		{models.RoleChannelOwner, PermApproveCreative, false},
		{models.RoleChannelOwner, PermConfirmComplete, false},
		{models.RoleAdvertiser, PermApproveCreative, true},
		{models.RoleAdvertiser, PermAcceptDeal, false},
		{models.RoleAdvertiser, PermMoveFunds, false},
		{models.RoleAdmin, PermResolveDispute, true},
		{models.RoleAdmin, PermSubmitCreative, false},
		{models.RoleSystem, PermViewDeal, false},
		{"nonexistent", PermViewDeal, false},
	}

	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.perm, func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.expected {
				t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.expected)
			}
		})
	}
}

func TestRoleInDeal(t *testing.T) {
	deal := &models.Deal{AdvertiserID: uuid.New(), ChannelOwnerID: uuid.New()}

	if got := RoleInDeal(deal, deal.ChannelOwnerID); got != models.RoleChannelOwner {
		t.Errorf("owner role = %q", got)
	}
	if got := RoleInDeal(deal, deal.AdvertiserID); got != models.RoleAdvertiser {
		t.Errorf("advertiser role = %q", got)
	}
	if got := RoleInDeal(deal, uuid.New()); got != "" {
		t.Errorf("outsider role = %q, want empty", got)
	}
}

func TestFinancialOperationsAreAdminOnly(t *testing.T) {
	for perm := range map[string]bool{PermMoveFunds: true, PermResolveDispute: true} {
		if !IsFinancialOperation(perm) {
			t.Errorf("%s should be financial", perm)
		}
		for _, role := range []string{models.RoleChannelOwner, models.RoleAdvertiser} {
			if HasPermission(role, perm) {
				t.Errorf("%s must not have %s", role, perm)
			}
		}
	}
}
