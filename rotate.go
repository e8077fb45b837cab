package rotor

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rotorauth/rotor/internal/family"
	"github.com/rotorauth/rotor/internal/flows"
	"github.com/rotorauth/rotor/internal/guard"
	"github.com/rotorauth/rotor/internal/reuse"
)

// RotateTokens exchanges a presented refresh token for a new access/refresh
// pair. Verification, rate limiting, and reuse detection are hard
// preconditions that mutate no state on failure; once the family advance has
// been persisted, any later failure aborts the operation with
// [ErrRotationFailed] and the client retries with the same token under the
// grace window.
//
// The returned RotationResult is non-nil in every case and carries the stable
// error code and any security alert for the transport layer.
func (r *Rotator) RotateTokens(ctx context.Context, refreshToken string) (*RotationResult, error) {
	if r == nil || r.familyStore == nil {
		return &RotationResult{ErrorCode: CodeRotationError}, ErrEngineNotReady
	}

	if r.metrics.LatencyEnabled() {
		start := r.now()
		defer func() { r.metrics.Observe(MetricRotationLatency, time.Since(start)) }()
	}

	result := flows.RunRotate(ctx, refreshToken, r.rotateDeps())

	if result.LimiterFailedOpen {
		r.metricInc(MetricLimiterFailOpen)
	}
	if result.DetectorFailedOpen {
		r.metricInc(MetricDetectorFailOpen)
	}

	switch result.Failure {
	case flows.RotateFailureNone:
		return r.finishRotation(ctx, result)

	case flows.RotateFailureVerify:
		r.metricInc(MetricRotationFailure)
		err := ErrInvalidRefreshToken
		if errors.Is(result.Err, guard.ErrOpen) {
			err = ErrRotationFailed
		}
		r.emitAudit(ctx, OperationRotation, false, "", "", "", err, func() map[string]string {
			return map[string]string{"reason": "verification_failed"}
		})
		return &RotationResult{ErrorCode: ErrorCode(err)}, err

	case flows.RotateFailureRateLimited:
		r.metricInc(MetricRotationRateLimited)
		r.emitAudit(ctx, OperationRotation, false, result.UserID, "", result.TokenID, ErrRateLimitExceeded, func() map[string]string {
			return map[string]string{"reason": "rate_limit"}
		})
		return &RotationResult{
			SecurityAlert: AlertRateLimitExceeded,
			ErrorCode:     CodeRateLimitExceeded,
		}, ErrRateLimitExceeded

	case flows.RotateFailureReuse:
		r.metricInc(MetricReuseDetected)
		r.metricInc(MetricRotationFailure)
		if result.Err != nil {
			log.Print("rotor: reuse security response failed")
		}
		r.emitAudit(ctx, OperationReuseDetected, false, result.UserID, "", result.TokenID, ErrTokenReuseDetected, func() map[string]string {
			return map[string]string{
				"reuse_count":   formatInt(result.Reuse.Count),
				"security_risk": result.Risk,
			}
		})
		return &RotationResult{
			SecurityAlert: AlertReuseDetected,
			ErrorCode:     CodeTokenReuseDetected,
		}, ErrTokenReuseDetected

	case flows.RotateFailureFamilyResolve, flows.RotateFailureFamilyAdvance:
		r.metricInc(MetricRotationFailure)
		err := ErrRotationFailed
		if errors.Is(result.Err, family.ErrInactive) || errors.Is(result.Err, family.ErrNotFound) || errors.Is(result.Err, family.ErrStaleToken) {
			err = ErrInvalidRefreshToken
		}
		r.emitAudit(ctx, OperationRotation, false, result.UserID, result.FamilyID, result.TokenID, err, func() map[string]string {
			return map[string]string{"reason": "family_persistence"}
		})
		return &RotationResult{ErrorCode: ErrorCode(err)}, err

	case flows.RotateFailureIdentity:
		r.metricInc(MetricRotationFailure)
		err := ErrRotationFailed
		if errors.Is(result.Err, ErrUserNotFound) {
			err = ErrUserNotFound
		}
		r.emitAudit(ctx, OperationRotation, false, result.UserID, result.FamilyID, result.TokenID, err, func() map[string]string {
			return map[string]string{"reason": "identity_resolution"}
		})
		return &RotationResult{ErrorCode: ErrorCode(err)}, err

	case flows.RotateFailureSign:
		r.metricInc(MetricRotationFailure)
		r.emitAudit(ctx, OperationRotation, false, result.UserID, result.FamilyID, result.TokenID, ErrSignerUnavailable, func() map[string]string {
			return map[string]string{"reason": "signing_failed"}
		})
		return &RotationResult{ErrorCode: CodeRotationError}, ErrSignerUnavailable

	case flows.RotateFailureBind:
		r.metricInc(MetricRotationFailure)
		r.emitAudit(ctx, OperationRotation, false, result.UserID, result.FamilyID, result.TokenID, ErrRotationFailed, func() map[string]string {
			return map[string]string{"reason": "token_binding"}
		})
		return &RotationResult{ErrorCode: CodeRotationError}, ErrRotationFailed

	default:
		r.metricInc(MetricRotationFailure)
		return &RotationResult{ErrorCode: CodeRotationError}, ErrRotationFailed
	}
}

func (r *Rotator) finishRotation(ctx context.Context, result flows.RotateResult) (*RotationResult, error) {
	now := r.now()
	pair := &TokenPair{
		AccessToken:      result.Issued.AccessToken,
		RefreshToken:     result.Issued.RefreshToken,
		AccessExpiresAt:  now.Add(result.Issued.AccessTTL),
		RefreshExpiresAt: now.Add(result.Issued.RefreshTTL),
		TokenID:          result.Issued.TokenID,
		FamilyID:         result.FamilyID,
	}

	r.metricInc(MetricRotationSuccess)
	if result.FamilyCreated {
		r.metricInc(MetricFamilyCreated)
	}

	r.emitAudit(ctx, OperationRotation, true, result.UserID, result.FamilyID, result.Issued.TokenID, nil, func() map[string]string {
		meta := map[string]string{
			"rotation_count":    formatInt(result.RotationCount),
			"previous_token_id": result.TokenID,
		}
		if result.FamilyCreated {
			meta["family_created"] = "true"
		}
		return meta
	})

	return &RotationResult{
		Success:              true,
		TokenPair:            pair,
		FamilyRotated:        true,
		PreviousTokenRevoked: result.PreviousTokenRevoked,
	}, nil
}

func (r *Rotator) rotateDeps() flows.RotateDeps {
	return flows.RotateDeps{
		Now: r.now,

		Verify: func(ctx context.Context, token string) (flows.Claims, error) {
			var claims *TokenClaims
			err := r.guard.Do(depVerifier, func() error {
				var verifyErr error
				claims, verifyErr = r.verifier.VerifyRefreshToken(ctx, token)
				return verifyErr
			})
			if err != nil {
				return flows.Claims{}, err
			}
			if claims == nil || claims.UserID == "" || claims.TokenID == "" {
				return flows.Claims{}, ErrInvalidRefreshToken
			}
			return flows.Claims{UserID: claims.UserID, TokenID: claims.TokenID}, nil
		},

		CheckRateLimit: func(ctx context.Context, userID string) (bool, int64, error) {
			if r.limiter == nil {
				return true, 0, nil
			}
			var (
				allowed bool
				count   int64
			)
			err := r.guard.Do(depRedis, func() error {
				var checkErr error
				allowed, count, checkErr = r.limiter.CheckRotation(ctx, userID)
				return checkErr
			})
			return allowed, count, err
		},

		TouchReuse: func(ctx context.Context, rawToken string) (reuse.Outcome, error) {
			var outcome reuse.Outcome
			err := r.guard.Do(depRedis, func() error {
				var touchErr error
				outcome, touchErr = r.detector.Touch(ctx, rawToken)
				return touchErr
			})
			return outcome, err
		},

		ClassifyRisk: func(count int64) string {
			return string(r.classifyRisk(count))
		},

		RespondToReuse: func(ctx context.Context, userID, tokenID, risk string) error {
			return r.respondToReuse(ctx, userID, tokenID, SecurityRisk(risk))
		},

		ResolveFamily: func(ctx context.Context, tokenID string) (string, error) {
			var familyID string
			err := r.guard.Do(depRedis, func() error {
				var resolveErr error
				familyID, resolveErr = r.familyStore.FamilyIDForToken(ctx, tokenID)
				if errors.Is(resolveErr, family.ErrNotFound) {
					familyID = ""
					return nil
				}
				return resolveErr
			})
			return familyID, err
		},

		CreateFamily: func(ctx context.Context, userID, presentedTokenID string) (string, bool, error) {
			fam := &family.Family{
				FamilyID:       uuid.NewString(),
				UserID:         userID,
				SessionID:      sessionIDFromContext(ctx),
				CurrentTokenID: presentedTokenID,
				CreatedAt:      r.now(),
				LastRotatedAt:  r.now(),
				Active:         true,
			}

			// Save before binding: once the token key is visible, the family
			// it points to must already carry the advance claim.
			var bound bool
			err := r.guard.Do(depRedis, func() error {
				if saveErr := r.familyStore.Save(ctx, fam); saveErr != nil {
					return saveErr
				}
				var bindErr error
				bound, bindErr = r.familyStore.BindTokenNX(ctx, presentedTokenID, fam.FamilyID)
				return bindErr
			})
			if err != nil {
				return "", false, err
			}
			if bound {
				return fam.FamilyID, true, nil
			}

			// Lost the bind race: a concurrent presentation of the same token
			// already started the lineage. Discard the orphan record and
			// rotate against the winner's family; the advance claim settles
			// which caller proceeds.
			if delErr := r.familyStore.Delete(ctx, fam.FamilyID); delErr != nil {
				log.Print("rotor: orphan family cleanup failed")
			}
			var familyID string
			err = r.guard.Do(depRedis, func() error {
				var resolveErr error
				familyID, resolveErr = r.familyStore.FamilyIDForToken(ctx, presentedTokenID)
				return resolveErr
			})
			if err != nil {
				return "", false, err
			}
			return familyID, false, nil
		},

		AdvanceFamily: func(ctx context.Context, familyID, presentedTokenID string) (int64, error) {
			var count int64
			err := r.guard.Do(depRedis, func() error {
				var advanceErr error
				count, advanceErr = r.familyStore.Advance(ctx, familyID, presentedTokenID, r.now())
				return advanceErr
			})
			return count, err
		},

		ResolveSubject: func(ctx context.Context, userID string) (flows.Subject, error) {
			var subject *SubjectClaims
			err := r.guard.Do(depIdentity, func() error {
				var resolveErr error
				subject, resolveErr = r.identity.SubjectForRotation(ctx, userID)
				return resolveErr
			})
			if err != nil {
				return flows.Subject{}, err
			}
			if subject == nil {
				return flows.Subject{}, ErrUserNotFound
			}
			return flows.Subject{
				UserID:    subject.UserID,
				SessionID: subject.SessionID,
				Scopes:    subject.Scopes,
				Extra:     subject.Extra,
			}, nil
		},

		Sign: func(ctx context.Context, subject flows.Subject, familyID string) (flows.Issued, error) {
			claims := SubjectClaims{
				UserID:    subject.UserID,
				SessionID: subject.SessionID,
				Scopes:    subject.Scopes,
				Extra:     subject.Extra,
			}
			var issued *IssuedTokens
			err := r.guard.Do(depSigner, func() error {
				var signErr error
				issued, signErr = r.signer.GenerateTokens(ctx, claims, familyID)
				return signErr
			})
			if err != nil {
				return flows.Issued{}, err
			}
			if issued == nil || issued.TokenID == "" {
				return flows.Issued{}, ErrSignerUnavailable
			}
			return flows.Issued{
				AccessToken:  issued.AccessToken,
				RefreshToken: issued.RefreshToken,
				TokenID:      issued.TokenID,
				AccessTTL:    issued.AccessTTL,
				RefreshTTL:   issued.RefreshTTL,
			}, nil
		},

		BindToken: func(ctx context.Context, tokenID, familyID string) error {
			return r.guard.Do(depRedis, func() error {
				return r.familyStore.BindToken(ctx, tokenID, familyID)
			})
		},

		RevokeToken: func(ctx context.Context, token, newTokenID string) error {
			return r.guard.Do(depRevocation, func() error {
				return r.revocations.RevokeToken(ctx, token, "rotated", map[string]string{
					"replaced_by": newTokenID,
				})
			})
		},

		Warn: log.Printf,
	}
}

func (r *Rotator) classifyRisk(count int64) SecurityRisk {
	switch {
	case count >= r.config.Reuse.CriticalReuseCount:
		return RiskCritical
	case count > r.config.Reuse.HighRiskReuseCount:
		return RiskHigh
	default:
		return RiskMedium
	}
}

// respondToReuse executes the security response for a confirmed reuse. By
// default the blast radius is user-wide: the threat model assumes compromise
// may extend beyond a single lineage. With ScopeRevocationByRisk set, a
// medium-risk reuse terminates only the affected family.
func (r *Rotator) respondToReuse(ctx context.Context, userID, tokenID string, risk SecurityRisk) error {
	if r.config.Security.ScopeRevocationByRisk && risk == RiskMedium {
		var familyID string
		lookupErr := r.guard.Do(depRedis, func() error {
			var err error
			familyID, err = r.familyStore.FamilyIDForToken(ctx, tokenID)
			if errors.Is(err, family.ErrNotFound) {
				familyID = ""
				return nil
			}
			return err
		})
		if lookupErr == nil && familyID != "" {
			var done bool
			err := r.guard.Do(depRedis, func() error {
				var invErr error
				done, invErr = r.familyStore.Invalidate(ctx, familyID, "token_reuse_detected", r.now())
				return invErr
			})
			if err == nil {
				if done {
					r.metricInc(MetricFamilyInvalidated)
				}
				return nil
			}
		}
		// Family could not be resolved or terminated; escalate to the broad
		// response rather than leaving the reuse unanswered.
	}

	err := r.guard.Do(depRevocation, func() error {
		return r.revocations.RevokeUserTokens(ctx, userID, "token_reuse_detected", map[string]string{
			"token_id":      tokenID,
			"security_risk": string(risk),
		})
	})
	if err != nil {
		return err
	}

	r.metricInc(MetricUserTokensRevoked)
	return nil
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
