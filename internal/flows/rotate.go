package flows

import (
	"context"
	"time"

	"github.com/rotorauth/rotor/internal/reuse"
)

// RotateFailureKind classifies rotation flow failures for root-level mapping.
type RotateFailureKind int

const (
	RotateFailureNone RotateFailureKind = iota
	RotateFailureVerify
	RotateFailureRateLimited
	RotateFailureReuse
	RotateFailureFamilyResolve
	RotateFailureFamilyAdvance
	RotateFailureIdentity
	RotateFailureSign
	RotateFailureBind
)

// Claims is the verified payload of the presented refresh token.
type Claims struct {
	UserID  string
	TokenID string
}

// Subject is the resolved identity a new pair is issued for.
type Subject struct {
	UserID    string
	SessionID string
	Scopes    []string
	Extra     map[string]string
}

// Issued is the new token material produced by the signer.
type Issued struct {
	AccessToken  string
	RefreshToken string
	TokenID      string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// RotateResult carries either the issued material or failure metadata.
type RotateResult struct {
	Failure RotateFailureKind
	Err     error

	UserID   string
	TokenID  string
	FamilyID string

	FamilyCreated bool
	RotationCount int64

	Reuse reuse.Outcome
	Risk  string

	RateLimitCount int64

	Issued               Issued
	PreviousTokenRevoked bool

	LimiterFailedOpen  bool
	DetectorFailedOpen bool
}

// RotateDeps captures rotation flow dependencies. Every function is required
// unless noted; the root package wires them from its collaborators, each
// wrapped in its circuit breaker.
type RotateDeps struct {
	Now func() time.Time

	// Verify validates the presented token and extracts the claims. Any error
	// aborts with no state mutation.
	Verify func(ctx context.Context, token string) (Claims, error)

	// CheckRateLimit consumes one attempt for the user. Backend errors fail
	// open: the attempt proceeds and the failure is surfaced on the result.
	CheckRateLimit func(ctx context.Context, userID string) (bool, int64, error)

	// TouchReuse records the presentation and classifies it. Backend errors
	// fail open and are treated as a first use.
	TouchReuse func(ctx context.Context, rawToken string) (reuse.Outcome, error)

	// ClassifyRisk grades a confirmed reuse by its count.
	ClassifyRisk func(count int64) string

	// RespondToReuse executes the security response for a confirmed reuse.
	// Its error is carried on the result but the outcome is still a reuse
	// failure.
	RespondToReuse func(ctx context.Context, userID, tokenID, risk string) error

	// ResolveFamily maps the presented token id to its family, or "" when the
	// token starts a fresh lineage.
	ResolveFamily func(ctx context.Context, tokenID string) (string, error)

	// CreateFamily starts a lineage for a never-bound token: it persists a new
	// active family claimed by presentedTokenID and binds the token to it.
	// When a concurrent caller binds the token first, CreateFamily returns the
	// winner's family id with created=false instead; the subsequent advance
	// then settles which caller holds the claim.
	CreateFamily func(ctx context.Context, userID, presentedTokenID string) (familyID string, created bool, err error)

	// AdvanceFamily atomically applies one rotation to the family, claiming
	// the presented token id, and returns the post-increment count.
	AdvanceFamily func(ctx context.Context, familyID, presentedTokenID string) (int64, error)

	// ResolveSubject loads the claims to issue the new pair for.
	ResolveSubject func(ctx context.Context, userID string) (Subject, error)

	// Sign produces the new token material bound to the family.
	Sign func(ctx context.Context, subject Subject, familyID string) (Issued, error)

	// BindToken indexes the new token id to the family for the next rotation.
	BindToken func(ctx context.Context, tokenID, familyID string) error

	// RevokeToken revokes the presented token, tagged with the new token id
	// for traceability. Best-effort: failure flips PreviousTokenRevoked only.
	RevokeToken func(ctx context.Context, token, newTokenID string) error

	Warn func(format string, args ...any)
}

// RunRotate executes the rotation protocol. Ordering is load-bearing: the
// reuse check consumes the raw token before the family is resolved, the rate
// check precedes any state mutation, and the family advance is the single
// point past which failure is fatal to the operation.
func RunRotate(ctx context.Context, refreshToken string, deps RotateDeps) RotateResult {
	claims, err := deps.Verify(ctx, refreshToken)
	if err != nil {
		return RotateResult{
			Failure: RotateFailureVerify,
			Err:     err,
		}
	}

	result := RotateResult{
		UserID:  claims.UserID,
		TokenID: claims.TokenID,
	}

	allowed, count, err := deps.CheckRateLimit(ctx, claims.UserID)
	result.RateLimitCount = count
	if err != nil {
		result.LimiterFailedOpen = true
		if deps.Warn != nil {
			deps.Warn("rotor: rate limiter backend failed, failing open")
		}
	} else if !allowed {
		result.Failure = RotateFailureRateLimited
		return result
	}

	outcome, err := deps.TouchReuse(ctx, refreshToken)
	if err != nil {
		result.DetectorFailedOpen = true
		outcome = reuse.Outcome{FirstUse: true}
		if deps.Warn != nil {
			deps.Warn("rotor: reuse detector backend failed, failing open")
		}
	}
	result.Reuse = outcome

	if outcome.Reused {
		result.Risk = deps.ClassifyRisk(outcome.Count)
		result.Failure = RotateFailureReuse
		result.Err = deps.RespondToReuse(ctx, claims.UserID, claims.TokenID, result.Risk)
		return result
	}

	familyID, err := deps.ResolveFamily(ctx, claims.TokenID)
	if err != nil {
		result.Failure = RotateFailureFamilyResolve
		result.Err = err
		return result
	}
	if familyID == "" {
		var created bool
		familyID, created, err = deps.CreateFamily(ctx, claims.UserID, claims.TokenID)
		if err != nil {
			result.Failure = RotateFailureFamilyResolve
			result.Err = err
			return result
		}
		result.FamilyCreated = created
	}
	result.FamilyID = familyID

	rotationCount, err := deps.AdvanceFamily(ctx, familyID, claims.TokenID)
	if err != nil {
		result.Failure = RotateFailureFamilyAdvance
		result.Err = err
		return result
	}
	result.RotationCount = rotationCount

	subject, err := deps.ResolveSubject(ctx, claims.UserID)
	if err != nil {
		result.Failure = RotateFailureIdentity
		result.Err = err
		return result
	}

	issued, err := deps.Sign(ctx, subject, familyID)
	if err != nil {
		result.Failure = RotateFailureSign
		result.Err = err
		return result
	}
	result.Issued = issued

	if err := deps.BindToken(ctx, issued.TokenID, familyID); err != nil {
		result.Failure = RotateFailureBind
		result.Err = err
		return result
	}

	if err := deps.RevokeToken(ctx, refreshToken, issued.TokenID); err != nil {
		if deps.Warn != nil {
			deps.Warn("rotor: presented token revocation failed")
		}
	} else {
		result.PreviousTokenRevoked = true
	}

	return result
}
