package models

import "testing"

func TestEscrowHoldsFunds(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{EscrowStatusPending, false},
		{EscrowStatusFunded, true},
		{EscrowStatusLocked, true},
		{EscrowStatusDisputed, true},
		{EscrowStatusReleasing, false},
		{EscrowStatusReleased, false},
		{EscrowStatusRefunding, false},
		{EscrowStatusRefunded, false},
		{EscrowStatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			e := &Escrow{Status: tt.status}
			if got := e.HoldsFunds(); got != tt.want {
				t.Errorf("HoldsFunds(%s) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}
