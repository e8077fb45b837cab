package rotor

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/rotorauth/rotor/internal/family"
)

// GenerateTokenFamily creates a fresh, active family for a user, typically at
// login before the first refresh token is issued. sessionID and metadata are
// optional; when sessionID is empty the value stamped on the context via
// [WithSessionID] is used instead.
func (r *Rotator) GenerateTokenFamily(ctx context.Context, userID, sessionID string, metadata map[string]string) (*TokenFamily, error) {
	if r == nil || r.familyStore == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, errors.New("rotor: userID is required")
	}
	if sessionID == "" {
		sessionID = sessionIDFromContext(ctx)
	}

	now := r.now()
	fam := &family.Family{
		FamilyID:      uuid.NewString(),
		UserID:        userID,
		SessionID:     sessionID,
		CreatedAt:     now,
		LastRotatedAt: now,
		Active:        true,
		Metadata:      metadata,
	}

	err := r.guard.Do(depRedis, func() error {
		return r.familyStore.Save(ctx, fam)
	})
	if err != nil {
		r.emitAudit(ctx, OperationGeneration, false, userID, fam.FamilyID, "", ErrRotationFailed, nil)
		return nil, ErrRotationFailed
	}

	r.metricInc(MetricFamilyCreated)
	r.emitAudit(ctx, OperationGeneration, true, userID, fam.FamilyID, "", nil, nil)

	return &TokenFamily{
		FamilyID:      fam.FamilyID,
		UserID:        fam.UserID,
		SessionID:     fam.SessionID,
		CreatedAt:     fam.CreatedAt,
		LastRotatedAt: fam.LastRotatedAt,
		RotationCount: 0,
		Active:        true,
		Metadata:      metadata,
	}, nil
}

// InvalidateTokenFamily terminates a family. It is idempotent: an unknown or
// already-invalidated family id is a logged no-op, not an error. An actual
// transition additionally revokes every outstanding token for the family's
// user, because compromise may extend beyond a single lineage.
func (r *Rotator) InvalidateTokenFamily(ctx context.Context, familyID, reason string) error {
	if r == nil || r.familyStore == nil {
		return ErrEngineNotReady
	}
	if familyID == "" {
		return errors.New("rotor: familyID is required")
	}
	if reason == "" {
		reason = "unspecified"
	}

	fam, getErr := r.getFamily(ctx, familyID)

	var invalidated bool
	err := r.guard.Do(depRedis, func() error {
		var invErr error
		invalidated, invErr = r.familyStore.Invalidate(ctx, familyID, reason, r.now())
		return invErr
	})
	if err != nil {
		r.emitAudit(ctx, OperationInvalidation, false, "", familyID, "", ErrRotationFailed, nil)
		return ErrRotationFailed
	}
	if !invalidated {
		log.Printf("rotor: invalidate %s: family absent or already invalidated", familyID)
		return nil
	}

	r.metricInc(MetricFamilyInvalidated)

	userID := ""
	if getErr == nil && fam != nil {
		userID = fam.UserID
	}
	if userID != "" {
		revokeErr := r.guard.Do(depRevocation, func() error {
			return r.revocations.RevokeUserTokens(ctx, userID, reason, map[string]string{
				"family_id": familyID,
			})
		})
		if revokeErr != nil {
			log.Printf("rotor: cascade revocation for user %s failed", userID)
		} else {
			r.metricInc(MetricUserTokensRevoked)
		}
	}

	r.emitAudit(ctx, OperationInvalidation, true, userID, familyID, "", nil, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return nil
}

// BindInitialToken indexes the first refresh token issued at login to its
// generated family, so the first rotation resolves the lineage instead of
// creating a fresh one.
func (r *Rotator) BindInitialToken(ctx context.Context, tokenID, familyID string) error {
	if r == nil || r.familyStore == nil {
		return ErrEngineNotReady
	}
	if tokenID == "" || familyID == "" {
		return errors.New("rotor: tokenID and familyID are required")
	}
	err := r.guard.Do(depRedis, func() error {
		return r.familyStore.BindToken(ctx, tokenID, familyID)
	})
	if err != nil {
		return ErrRotationFailed
	}
	return nil
}

// GetTokenFamily returns the current state of a family, or
// [ErrFamilyNotFound] when no such family exists.
func (r *Rotator) GetTokenFamily(ctx context.Context, familyID string) (*TokenFamily, error) {
	if r == nil || r.familyStore == nil {
		return nil, ErrEngineNotReady
	}
	return r.getFamily(ctx, familyID)
}

func (r *Rotator) getFamily(ctx context.Context, familyID string) (*TokenFamily, error) {
	var fam *family.Family
	err := r.guard.Do(depRedis, func() error {
		var getErr error
		fam, getErr = r.familyStore.Get(ctx, familyID)
		return getErr
	})
	if err != nil {
		if errors.Is(err, family.ErrNotFound) {
			return nil, ErrFamilyNotFound
		}
		return nil, ErrRotationFailed
	}
	return &TokenFamily{
		FamilyID:      fam.FamilyID,
		UserID:        fam.UserID,
		SessionID:     fam.SessionID,
		CreatedAt:     fam.CreatedAt,
		LastRotatedAt: fam.LastRotatedAt,
		RotationCount: fam.RotationCount,
		Active:        fam.Active,
		Metadata:      fam.Metadata,
	}, nil
}
