package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/foxseedlab/denwaban/internal/repository"
)

// Participant is the identity a connecting party claims to be. Every field
// must match the credential's expected participant exactly.
type Participant struct {
	UserID   string
	TenantID string
	DeviceID string
}

// BoundContext is returned on successful validation and carries what the
// session needs from the credential.
type BoundContext struct {
	CredentialID string
	Participant  Participant
}

// ActiveSessionChecker reports whether a session id is still live. Satisfied
// by the connection registry.
type ActiveSessionChecker interface {
	IsActive(sessionID string) bool
}

type Store struct {
	repo   repository.CredentialRepository
	active ActiveSessionChecker
	ttl    time.Duration
	now    func() time.Time
}

func NewStore(repo repository.CredentialRepository, active ActiveSessionChecker, ttl time.Duration) *Store {
	return &Store{
		repo:   repo,
		active: active,
		ttl:    ttl,
		now:    time.Now,
	}
}

func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Validate checks a pairing code against the stored credential. Checks run in
// a fixed order so callers always get the most specific failure: existence,
// single-use, active binding, expiry, then participant match.
func (s *Store) Validate(ctx context.Context, code string, claimed Participant) (*BoundContext, error) {
	cred, err := s.repo.GetCredentialByHash(ctx, HashCode(code))
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	if cred == nil {
		return nil, newAuthError(KindCodeNotFound, "pairing code not found")
	}
	if cred.Used && !s.isBindingActive(cred) {
		return nil, newAuthError(KindCodeUsed, "pairing code already used")
	}
	if s.isBindingActive(cred) {
		return nil, newAuthError(KindCodeActive, "pairing code already bound to an active session")
	}
	if s.now().After(cred.CreatedAt.Add(s.ttl)) {
		return nil, newAuthError(KindCodeExpired, "pairing code expired")
	}
	expected := Participant{UserID: cred.UserID, TenantID: cred.TenantID, DeviceID: cred.DeviceID}
	if claimed != expected {
		return nil, newAuthError(KindParamMismatch, "claimed identity does not match credential")
	}
	return &BoundContext{CredentialID: cred.ID, Participant: expected}, nil
}

// Consume marks the credential used and binds it to the new session. The
// underlying update is a compare-and-swap so two concurrent validations of
// the same code cannot both win.
func (s *Store) Consume(ctx context.Context, credentialID, sessionID string) error {
	ok, err := s.repo.ConsumeCredential(ctx, credentialID, sessionID)
	if err != nil {
		return fmt.Errorf("credential consume: %w", err)
	}
	if !ok {
		return newAuthError(KindCodeUsed, "pairing code consumed concurrently")
	}
	return nil
}

func (s *Store) isBindingActive(cred *repository.PairingCredential) bool {
	return cred.BoundSessionID != "" && s.active.IsActive(cred.BoundSessionID)
}
