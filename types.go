package rotor

import (
	"context"
	"time"
)

// OperationType classifies an audited token operation.
type OperationType string

const (
	// OperationRotation is a successful or failed refresh-token exchange.
	OperationRotation OperationType = "rotation"
	// OperationGeneration is an explicit token family creation.
	OperationGeneration OperationType = "generation"
	// OperationInvalidation is a family termination (logout-all, incident).
	OperationInvalidation OperationType = "invalidation"
	// OperationReuseDetected is a theft signal: an already-rotated token was
	// presented again outside the grace window.
	OperationReuseDetected OperationType = "reuse_detected"
)

// SecurityRisk grades a reuse signal.
type SecurityRisk string

const (
	// RiskNone is an exported constant used for non-reuse outcomes.
	RiskNone SecurityRisk = "none"
	// RiskMedium is the default grade for a first confirmed reuse.
	RiskMedium SecurityRisk = "medium"
	// RiskHigh is assigned above the configured high-risk reuse count.
	RiskHigh SecurityRisk = "high"
	// RiskCritical is assigned at or above the suspicious-pattern threshold.
	RiskCritical SecurityRisk = "critical"
)

// TokenFamily is the lineage of refresh tokens descending from one original
// login, tracked together so that compromise of any member can be responded to
// as a unit. Once Active becomes false the family is terminal and never
// transitions back.
type TokenFamily struct {
	FamilyID      string
	UserID        string
	SessionID     string
	CreatedAt     time.Time
	LastRotatedAt time.Time
	RotationCount int64
	Active        bool
	Metadata      map[string]string
}

// TokenPair is the issuance result of a rotation. Immutable once created;
// ownership transfers to the caller.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	TokenID          string
	FamilyID         string
}

// TokenOperation is an append-only audit fact. Never mutated after creation.
type TokenOperation struct {
	Type      OperationType     `json:"operation_type"`
	TokenID   string            `json:"token_id,omitempty"`
	FamilyID  string            `json:"family_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Success   bool              `json:"success"`
	ErrorCode string            `json:"error_code,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RotationResult carries the outcome of [Rotator.RotateTokens]. On failure,
// ErrorCode holds the stable machine-readable code and SecurityAlert is set
// for deliberate protocol outcomes the caller must act on.
type RotationResult struct {
	Success              bool
	TokenPair            *TokenPair
	FamilyRotated        bool
	PreviousTokenRevoked bool
	SecurityAlert        string
	ErrorCode            string
}

// ReuseDetectionResult is returned by [Rotator.DetectTokenReuse].
type ReuseDetectionResult struct {
	Reused     bool
	ReuseCount int64
	Risk       SecurityRisk
}

// Security alert values surfaced on RotationResult.SecurityAlert.
const (
	AlertReuseDetected     = "reuse_detected"
	AlertRateLimitExceeded = "rate_limit_exceeded"
)

// TokenClaims is the payload of a verified refresh token.
type TokenClaims struct {
	UserID    string
	TokenID   string
	SessionID string
	ExpiresAt time.Time
}

// SubjectClaims describes the subject a new token pair is issued for.
type SubjectClaims struct {
	UserID    string
	SessionID string
	Scopes    []string
	Extra     map[string]string
}

// IssuedTokens is the raw material produced by a [TokenSigner].
type IssuedTokens struct {
	AccessToken  string
	RefreshToken string
	TokenID      string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// TokenVerifier validates presented refresh tokens. Implementations must
// return [ErrInvalidRefreshToken] (possibly wrapped) for malformed, expired,
// or revoked tokens.
type TokenVerifier interface {
	VerifyRefreshToken(ctx context.Context, token string) (*TokenClaims, error)
}

// TokenSigner produces new bearer material. The familyID is embedded so the
// next rotation can resolve the lineage without a lookup by token id alone.
type TokenSigner interface {
	GenerateTokens(ctx context.Context, subject SubjectClaims, familyID string) (*IssuedTokens, error)
}

// RevocationStore is the external blacklist. RevokeUserTokens is the broad
// security response to a theft signal.
type RevocationStore interface {
	RevokeToken(ctx context.Context, token, reason string, meta map[string]string) error
	RevokeUserTokens(ctx context.Context, userID, reason string, meta map[string]string) error
}

// IdentityResolver resolves the subject claims for a rotation. Implementations
// must return [ErrUserNotFound] (possibly wrapped) for unknown users.
type IdentityResolver interface {
	SubjectForRotation(ctx context.Context, userID string) (*SubjectClaims, error)
}

// AuditStore is the durable compliance sink for token operations. Writes are
// best-effort: failures are logged by the caller and never propagated.
type AuditStore interface {
	AppendOperation(ctx context.Context, op TokenOperation) error
}

// Pinger is implemented by collaborators that support health probing.
// Collaborators that do not implement it are reported as healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}
