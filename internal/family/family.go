package family

import (
	"encoding/json"
	"strconv"
	"time"
)

// Family is the stored lineage record for one login session's refresh tokens.
// CurrentTokenID, when set at save time, seeds the advance claim so the record
// is never observable without one; leaving it to a later write would open a
// window where any token could claim the first rotation.
type Family struct {
	FamilyID       string
	UserID         string
	SessionID      string
	CurrentTokenID string
	CreatedAt      time.Time
	LastRotatedAt  time.Time
	RotationCount  int64
	Active         bool
	Metadata       map[string]string
}

// fields returns the Redis hash representation. Timestamps are stored as unix
// milliseconds so the Lua scripts can compare them without parsing.
func (f *Family) fields() (map[string]string, error) {
	active := "0"
	if f.Active {
		active = "1"
	}

	meta := "{}"
	if len(f.Metadata) > 0 {
		encoded, err := json.Marshal(f.Metadata)
		if err != nil {
			return nil, err
		}
		meta = string(encoded)
	}

	fields := map[string]string{
		"user_id":         f.UserID,
		"session_id":      f.SessionID,
		"created_at":      strconv.FormatInt(f.CreatedAt.UnixMilli(), 10),
		"last_rotated_at": strconv.FormatInt(f.LastRotatedAt.UnixMilli(), 10),
		"rotation_count":  strconv.FormatInt(f.RotationCount, 10),
		"active":          active,
		"metadata":        meta,
	}
	if f.CurrentTokenID != "" {
		fields["current_token"] = f.CurrentTokenID
	}
	return fields, nil
}

func decodeFamily(familyID string, fields map[string]string) (*Family, error) {
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}
	lastRotatedAt, err := strconv.ParseInt(fields["last_rotated_at"], 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}
	rotationCount, err := strconv.ParseInt(fields["rotation_count"], 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}

	var metadata map[string]string
	if raw := fields["metadata"]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, ErrCorrupt
		}
	}

	return &Family{
		FamilyID:       familyID,
		UserID:         fields["user_id"],
		SessionID:      fields["session_id"],
		CurrentTokenID: fields["current_token"],
		CreatedAt:      time.UnixMilli(createdAt),
		LastRotatedAt:  time.UnixMilli(lastRotatedAt),
		RotationCount:  rotationCount,
		Active:         fields["active"] == "1",
		Metadata:       metadata,
	}, nil
}
