package mocks

import (
	"context"
	"testing"

	"github.com/petra-ca/petra/core"
	"github.com/petra-ca/petra/identifier"
	"github.com/petra-ca/petra/test"
)

func seedAuthz(t *testing.T, sa *StorageAuthority) core.Authorization {
	t.Helper()
	order := core.Order{
		ID:          "order1",
		AccountID:   "acct1",
		Status:      core.StatusPending,
		Identifiers: []identifier.ACMEIdentifier{identifier.NewDNS("guard.example.com")},
	}
	authz := core.Authorization{
		ID:         "authz1",
		OrderID:    order.ID,
		AccountID:  "acct1",
		Identifier: identifier.NewDNS("guard.example.com"),
		Status:     core.StatusPending,
	}
	_, err := sa.NewOrder(context.Background(), order, []core.Authorization{authz}, nil)
	test.AssertNotError(t, err, "seeding order")
	return authz
}

func TestUpdateAuthorizationStatusGuards(t *testing.T) {
	sa := NewStorageAuthority()
	authz := seedAuthz(t, sa)
	ctx := context.Background()

	err := sa.UpdateAuthorizationStatus(ctx, authz.ID, core.StatusValid)
	test.AssertNotError(t, err, "marking authorization valid")
	got, err := sa.GetAuthorization(ctx, authz.ID)
	test.AssertNotError(t, err, "fetching authorization")
	test.AssertEquals(t, got.Status, core.StatusValid)

	// A late failure write against a validated authorization is discarded.
	err = sa.UpdateAuthorizationStatus(ctx, authz.ID, core.StatusInvalid)
	test.AssertNotError(t, err, "writing invalid over valid")
	got, err = sa.GetAuthorization(ctx, authz.ID)
	test.AssertNotError(t, err, "fetching authorization")
	test.AssertEquals(t, got.Status, core.StatusValid)

	// Deactivation is the one transition out of valid.
	err = sa.UpdateAuthorizationStatus(ctx, authz.ID, core.StatusDeactivated)
	test.AssertNotError(t, err, "deactivating authorization")
	got, err = sa.GetAuthorization(ctx, authz.ID)
	test.AssertNotError(t, err, "fetching authorization")
	test.AssertEquals(t, got.Status, core.StatusDeactivated)

	// Deactivated is terminal.
	err = sa.UpdateAuthorizationStatus(ctx, authz.ID, core.StatusValid)
	test.AssertNotError(t, err, "writing valid over deactivated")
	got, err = sa.GetAuthorization(ctx, authz.ID)
	test.AssertNotError(t, err, "fetching authorization")
	test.AssertEquals(t, got.Status, core.StatusDeactivated)
}
