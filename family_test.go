package rotor

import (
	"context"
	"errors"
	"testing"
)

func TestGenerateTokenFamily(t *testing.T) {
	backend := newFakeBackend()
	rotator := newTestRotator(t, rotationTestConfig(), backend)
	ctx := context.Background()

	fam, err := rotator.GenerateTokenFamily(ctx, "user-1", "sess-9", map[string]string{"origin": "login"})
	if err != nil {
		t.Fatalf("GenerateTokenFamily failed: %v", err)
	}
	if fam.FamilyID == "" {
		t.Fatal("expected a family id")
	}
	if !fam.Active || fam.RotationCount != 0 {
		t.Fatalf("unexpected fresh family state: %+v", fam)
	}

	stored, err := rotator.GetTokenFamily(ctx, fam.FamilyID)
	if err != nil {
		t.Fatalf("GetTokenFamily failed: %v", err)
	}
	if stored.UserID != "user-1" || stored.SessionID != "sess-9" {
		t.Fatalf("unexpected stored family: %+v", stored)
	}
	if stored.Metadata["origin"] != "login" {
		t.Fatalf("metadata not persisted: %v", stored.Metadata)
	}
}

func TestGenerateTokenFamilyRequiresUser(t *testing.T) {
	backend := newFakeBackend()
	rotator := newTestRotator(t, rotationTestConfig(), backend)

	if _, err := rotator.GenerateTokenFamily(context.Background(), "", "", nil); err == nil {
		t.Fatal("expected an error for empty user id")
	}
}

func TestGenerateTokenFamilySessionFromContext(t *testing.T) {
	backend := newFakeBackend()
	rotator := newTestRotator(t, rotationTestConfig(), backend)
	ctx := WithSessionID(context.Background(), "ctx-sess")

	fam, err := rotator.GenerateTokenFamily(ctx, "user-1", "", nil)
	if err != nil {
		t.Fatalf("GenerateTokenFamily failed: %v", err)
	}
	if fam.SessionID != "ctx-sess" {
		t.Fatalf("expected session id from context, got %q", fam.SessionID)
	}
}

func TestInvalidateTokenFamilyCascades(t *testing.T) {
	backend := newFakeBackend()
	rotator := newTestRotator(t, rotationTestConfig(), backend)
	ctx := context.Background()

	fam, err := rotator.GenerateTokenFamily(ctx, "user-1", "", nil)
	if err != nil {
		t.Fatalf("GenerateTokenFamily failed: %v", err)
	}

	if err := rotator.InvalidateTokenFamily(ctx, fam.FamilyID, "logout_all"); err != nil {
		t.Fatalf("InvalidateTokenFamily failed: %v", err)
	}

	stored, err := rotator.GetTokenFamily(ctx, fam.FamilyID)
	if err != nil {
		t.Fatalf("GetTokenFamily failed: %v", err)
	}
	if stored.Active {
		t.Fatal("expected family to be invalidated")
	}
	if reason := backend.userRevokedReason("user-1"); reason != "logout_all" {
		t.Fatalf("expected cascading user revocation, got reason %q", reason)
	}
}

func TestInvalidateTokenFamilyIdempotent(t *testing.T) {
	backend := newFakeBackend()
	rotator := newTestRotator(t, rotationTestConfig(), backend)
	ctx := context.Background()

	fam, err := rotator.GenerateTokenFamily(ctx, "user-1", "", nil)
	if err != nil {
		t.Fatalf("GenerateTokenFamily failed: %v", err)
	}

	if err := rotator.InvalidateTokenFamily(ctx, fam.FamilyID, "compromise"); err != nil {
		t.Fatalf("first invalidation failed: %v", err)
	}
	if err := rotator.InvalidateTokenFamily(ctx, fam.FamilyID, "compromise"); err != nil {
		t.Fatalf("second invalidation must be a no-op, got %v", err)
	}
}

func TestInvalidateUnknownFamilyIsNoOp(t *testing.T) {
	backend := newFakeBackend()
	rotator := newTestRotator(t, rotationTestConfig(), backend)

	if err := rotator.InvalidateTokenFamily(context.Background(), "nonexistent-id", "whatever"); err != nil {
		t.Fatalf("expected nil error for unknown family, got %v", err)
	}
	if reason := backend.userRevokedReason("user-1"); reason != "" {
		t.Fatal("unknown family must not trigger revocation")
	}
}

func TestInvalidatedFamilyRejectsRotation(t *testing.T) {
	backend := newFakeBackend()
	rotator := newTestRotator(t, rotationTestConfig(), backend)
	ctx := context.Background()

	token := backend.issue("user-1")
	result, err := rotator.RotateTokens(ctx, token)
	if err != nil {
		t.Fatalf("rotation failed: %v", err)
	}

	if err := rotator.InvalidateTokenFamily(ctx, result.TokenPair.FamilyID, "incident"); err != nil {
		t.Fatalf("InvalidateTokenFamily failed: %v", err)
	}

	_, err = rotator.RotateTokens(ctx, result.TokenPair.RefreshToken)
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken on dead family, got %v", err)
	}
}

func TestGetTokenFamilyUnknown(t *testing.T) {
	backend := newFakeBackend()
	rotator := newTestRotator(t, rotationTestConfig(), backend)

	_, err := rotator.GetTokenFamily(context.Background(), "missing")
	if !errors.Is(err, ErrFamilyNotFound) {
		t.Fatalf("expected ErrFamilyNotFound, got %v", err)
	}
}

func TestBindInitialToken(t *testing.T) {
	backend := newFakeBackend()
	rotator := newTestRotator(t, rotationTestConfig(), backend)
	ctx := context.Background()

	fam, err := rotator.GenerateTokenFamily(ctx, "user-1", "", nil)
	if err != nil {
		t.Fatalf("GenerateTokenFamily failed: %v", err)
	}

	token := backend.issue("user-1")
	backend.mu.Lock()
	tokenID := backend.claims[token].TokenID
	backend.mu.Unlock()

	if err := rotator.BindInitialToken(ctx, tokenID, fam.FamilyID); err != nil {
		t.Fatalf("BindInitialToken failed: %v", err)
	}

	result, err := rotator.RotateTokens(ctx, token)
	if err != nil {
		t.Fatalf("rotation failed: %v", err)
	}
	if result.TokenPair.FamilyID != fam.FamilyID {
		t.Fatalf("expected rotation to stay in generated family %s, got %s", fam.FamilyID, result.TokenPair.FamilyID)
	}
}
