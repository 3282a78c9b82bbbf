package rbac

import (
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

// Permission constants
const (
	PermViewDeal        = "view_deal"
	PermAcceptDeal      = "accept_deal"
	PermRejectDeal      = "reject_deal"
	PermCancelDeal      = "cancel_deal"
	PermPayDeal         = "pay_deal"
	PermSubmitCreative  = "submit_creative"
	PermApproveCreative = "approve_creative"
	PermSchedulePost    = "schedule_post"
	PermConfirmPosted   = "confirm_posted"
	PermConfirmComplete = "confirm_completion"
	PermOpenDispute     = "open_dispute"
	PermResolveDispute  = "resolve_dispute"
	PermManagePosts     = "manage_posts"
	PermMoveFunds       = "move_funds"
	PermExpireDeal      = "expire_deal"
)

// RolePermissions defines what each deal role can do.
var RolePermissions = map[string][]string{
	models.RoleChannelOwner: {
		PermViewDeal, PermAcceptDeal, PermRejectDeal, PermCancelDeal,
		PermSubmitCreative, PermSchedulePost, PermConfirmPosted, PermOpenDispute,
	},
	models.RoleAdvertiser: {
		PermViewDeal, PermCancelDeal, PermPayDeal, PermApproveCreative,
		PermSchedulePost, PermConfirmComplete, PermOpenDispute,
	},
	models.RoleAdmin: {
		PermViewDeal, PermResolveDispute, PermManagePosts, PermMoveFunds, PermExpireDeal,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsFinancialOperation reports whether permission moves escrowed funds (admin-only).
func IsFinancialOperation(permission string) bool {
	return permission == PermMoveFunds || permission == PermResolveDispute
}

// RoleInDeal returns the party role userID holds in the deal, or "" for outsiders.
func RoleInDeal(deal *models.Deal, userID uuid.UUID) string {
	switch userID {
	case deal.ChannelOwnerID:
		return models.RoleChannelOwner
	case deal.AdvertiserID:
		return models.RoleAdvertiser
	}
	return ""
}
