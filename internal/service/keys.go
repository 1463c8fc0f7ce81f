package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/nyatishield/nyati/internal/keys"
	"github.com/nyatishield/nyati/internal/model"
)

// maxHintAttempts bounds how many times key generation retries when the new
// key's hint is already taken.
const maxHintAttempts = 5

var (
	ErrHintExhausted = errors.New("could not generate a key with an unused hint")
	ErrInvalidTarget = errors.New("target_url must be an absolute http or https URL")
	ErrInvalidTier   = errors.New("unknown key tier")
)

// KeyAdminStore is the slice of the store key management needs.
type KeyAdminStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	HintExists(ctx context.Context, hint string) (bool, error)
	ListAPIKeys(ctx context.Context, ownerID string) ([]model.APIKey, error)
	SetAPIKeyActive(ctx context.Context, id string, active bool) error
	UpdateAPIKeyTarget(ctx context.Context, id, targetURL string) error
	UpdateAPIKeyLabel(ctx context.Context, id, label string) error
	DeleteAPIKey(ctx context.Context, id string) error
}

// CreateKeyInput describes a key to issue.
type CreateKeyInput struct {
	OwnerID   string
	Label     string
	TargetURL string
	Tier      model.Tier
}

// KeyUpdate carries optional changes to an existing key.
type KeyUpdate struct {
	IsActive  *bool
	TargetURL *string
	Label     *string
}

// KeyService issues and manages API keys.
type KeyService struct {
	store KeyAdminStore
}

func NewKeyService(store KeyAdminStore) *KeyService {
	return &KeyService{store: store}
}

// Create generates a key, stores its salted hash, and returns the record
// together with the plaintext. The plaintext is not recoverable afterwards.
func (s *KeyService) Create(ctx context.Context, in CreateKeyInput) (*model.APIKey, string, error) {
	if in.OwnerID == "" {
		return nil, "", errors.New("owner_id is required")
	}
	if in.Tier == "" {
		in.Tier = model.TierFree
	}
	if !in.Tier.Valid() {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidTier, in.Tier)
	}
	if err := ValidateTarget(in.TargetURL); err != nil {
		return nil, "", err
	}

	var plaintext, hint string
	for attempt := 0; ; attempt++ {
		if attempt == maxHintAttempts {
			return nil, "", ErrHintExhausted
		}
		k, err := keys.Generate(in.Tier.KeyPrefix())
		if err != nil {
			return nil, "", err
		}
		h, err := keys.DeriveHint(k)
		if err != nil {
			return nil, "", err
		}
		taken, err := s.store.HintExists(ctx, h)
		if err != nil {
			return nil, "", err
		}
		if !taken {
			plaintext, hint = k, h
			break
		}
	}

	salt, err := keys.GenerateSalt()
	if err != nil {
		return nil, "", err
	}

	key := &model.APIKey{
		ID:         uuid.Must(uuid.NewV7()).String(),
		OwnerID:    in.OwnerID,
		Hint:       hint,
		Salt:       salt,
		SecretHash: keys.DeriveHash(plaintext, salt),
		IsActive:   true,
		TargetURL:  in.TargetURL,
		Tier:       in.Tier,
		Label:      in.Label,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// List returns keys for ownerID, or every key when ownerID is empty.
func (s *KeyService) List(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	return s.store.ListAPIKeys(ctx, ownerID)
}

// Get returns a single key.
func (s *KeyService) Get(ctx context.Context, id string) (*model.APIKey, error) {
	return s.store.GetAPIKey(ctx, id)
}

// Update applies the non-nil fields of u and returns the updated record.
func (s *KeyService) Update(ctx context.Context, id string, u KeyUpdate) (*model.APIKey, error) {
	if u.TargetURL != nil {
		if err := ValidateTarget(*u.TargetURL); err != nil {
			return nil, err
		}
		if err := s.store.UpdateAPIKeyTarget(ctx, id, *u.TargetURL); err != nil {
			return nil, err
		}
	}
	if u.Label != nil {
		if err := s.store.UpdateAPIKeyLabel(ctx, id, *u.Label); err != nil {
			return nil, err
		}
	}
	if u.IsActive != nil {
		if err := s.store.SetAPIKeyActive(ctx, id, *u.IsActive); err != nil {
			return nil, err
		}
	}
	return s.store.GetAPIKey(ctx, id)
}

// Revoke deactivates a key. Cached validations may outlive this for up to
// the cache TTL.
func (s *KeyService) Revoke(ctx context.Context, id string) error {
	return s.store.SetAPIKeyActive(ctx, id, false)
}

// Delete removes a key permanently.
func (s *KeyService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteAPIKey(ctx, id)
}

// ValidateTarget accepts an empty target (ping mode) or an absolute http(s) URL.
func ValidateTarget(target string) error {
	if target == "" {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidTarget
	}
	return nil
}
