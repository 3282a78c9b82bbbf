package models

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		role     string
		expected bool
	}{
		// Happy path
		{DealStatusCreated, DealStatusPendingPayment, RoleChannelOwner, true},
		{DealStatusPendingPayment, DealStatusPaymentReceived, RoleSystem, true},
		{DealStatusPaymentReceived, DealStatusInProgress, RoleSystem, true},
		{DealStatusInProgress, DealStatusCreativePending, RoleSystem, true},
		{DealStatusCreativePending, DealStatusCreativeSubmitted, RoleChannelOwner, true},
		{DealStatusCreativeSubmitted, DealStatusCreativeApproved, RoleAdvertiser, true},
		{DealStatusCreativeSubmitted, DealStatusCreativeRevisionRequested, RoleAdvertiser, true},
		{DealStatusCreativeRevisionRequested, DealStatusCreativeSubmitted, RoleChannelOwner, true},
		{DealStatusCreativeApproved, DealStatusScheduled, RoleSystem, true},
		{DealStatusCreativeApproved, DealStatusPosted, RoleChannelOwner, true},
		{DealStatusScheduled, DealStatusPosted, RoleSystem, true},
		{DealStatusPosted, DealStatusVerifying, RoleSystem, true},
		{DealStatusPosted, DealStatusCompleted, RoleAdvertiser, true},
		{DealStatusVerifying, DealStatusVerified, RoleSystem, true},
		{DealStatusVerified, DealStatusCompleted, RoleSystem, true},
		{DealStatusVerified, DealStatusCompleted, RoleAdmin, true},

		// Cancellation and expiry
		{DealStatusCreated, DealStatusCancelled, RoleAdvertiser, true},
		{DealStatusPendingPayment, DealStatusCancelled, RoleAdvertiser, true},
		{DealStatusPendingPayment, DealStatusExpired, RoleSystem, true},
		{DealStatusCreativePending, DealStatusExpired, RoleSystem, true},
		{DealStatusScheduled, DealStatusExpired, RoleSystem, true},

		// Disputes
		{DealStatusCreativePending, DealStatusDisputed, RoleAdvertiser, true},
		{DealStatusPosted, DealStatusDisputed, RoleChannelOwner, true},
		{DealStatusCreated, DealStatusDisputed, RoleAdvertiser, true},
		{DealStatusDisputed, DealStatusCompleted, RoleAdmin, true},
		{DealStatusDisputed, DealStatusRefunded, RoleAdmin, true},
		{DealStatusDisputed, DealStatusDisputed, RoleAdvertiser, false},
		{DealStatusPosted, DealStatusDisputed, RoleSystem, false},
		{DealStatusCompleted, DealStatusDisputed, RoleAdvertiser, false},
		{DealStatusDisputed, DealStatusCompleted, RoleAdvertiser, false},

		// Wrong role
		{DealStatusCreated, DealStatusPendingPayment, RoleAdvertiser, false},
		{DealStatusPendingPayment, DealStatusCancelled, RoleChannelOwner, false},
		{DealStatusPendingPayment, DealStatusPaymentReceived, RoleAdmin, false},
		{DealStatusCreativeSubmitted, DealStatusCreativeApproved, RoleChannelOwner, false},

		// Invalid edges
		{DealStatusCreated, DealStatusPosted, RoleSystem, false},
		{DealStatusCompleted, DealStatusRefunded, RoleAdmin, false},
		{DealStatusExpired, DealStatusPendingPayment, RoleChannelOwner, false},
		{DealStatusPosted, DealStatusCancelled, RoleAdvertiser, false},
		{"nonexistent", DealStatusCreated, RoleSystem, false},
		{DealStatusCreated, "nonexistent", RoleSystem, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to+"/"+tt.role, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to, tt.role)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q, %q) = %v, want %v", tt.from, tt.to, tt.role, result, tt.expected)
			}
		})
	}
}

func TestAllStatusesHaveTransitionEntry(t *testing.T) {
	for _, status := range AllDealStatuses {
		if _, ok := ValidDealTransitions[status]; !ok {
			t.Errorf("status %q missing from ValidDealTransitions map", status)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	terminal := []string{DealStatusCompleted, DealStatusCancelled, DealStatusRefunded, DealStatusExpired}
	roles := []string{RoleAdvertiser, RoleChannelOwner, RoleSystem, RoleAdmin}
	for _, status := range terminal {
		if !IsTerminalStatus(status) {
			t.Errorf("status %q should be terminal", status)
		}
		for _, role := range roles {
			if got := AllowedTransitions(status, role); len(got) != 0 {
				t.Errorf("terminal status %q should have no transitions for %s, got %v", status, role, got)
			}
		}
	}
}

func TestAllowedTransitions(t *testing.T) {
	got := AllowedTransitions(DealStatusCreativePending, RoleAdvertiser)
	want := []string{DealStatusDisputed, DealStatusCancelled}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AllowedTransitions(creative_pending, advertiser) = %v, want %v", got, want)
	}

	got = AllowedTransitions(DealStatusCreated, RoleChannelOwner)
	want = []string{DealStatusPendingPayment, DealStatusDisputed, DealStatusCancelled}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AllowedTransitions(created, channel_owner) = %v, want %v", got, want)
	}
}

func TestNewDealTotal(t *testing.T) {
	d := NewDeal(uuid.New(), uuid.New(), uuid.New(), 1_000_000_000, 50_000_000)
	if d.TotalAmount != 1_050_000_000 {
		t.Errorf("TotalAmount = %d, want 1050000000", d.TotalAmount)
	}
	if d.Status != DealStatusCreated {
		t.Errorf("Status = %q, want created", d.Status)
	}
}

func TestApplyStageTimestamp(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := &Deal{}
	d.ApplyStageTimestamp(DealStatusPaymentReceived, at)
	d.ApplyStageTimestamp(DealStatusPosted, at)
	d.ApplyStageTimestamp(DealStatusVerifying, at)

	if d.PaidAt == nil || !d.PaidAt.Equal(at) {
		t.Errorf("PaidAt = %v, want %v", d.PaidAt, at)
	}
	if d.PublishedAt == nil || !d.PublishedAt.Equal(at) {
		t.Errorf("PublishedAt = %v, want %v", d.PublishedAt, at)
	}
	if d.CompletedAt != nil || d.CancelledAt != nil || d.ContentSubmittedAt != nil {
		t.Errorf("unexpected stage timestamps set: %+v", d)
	}
}
