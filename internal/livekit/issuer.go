package livekit

import (
	"classmate/backend/internal/config"
	"classmate/backend/internal/metrics"
	"classmate/backend/internal/models"
	"classmate/backend/internal/storage"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnauthenticated = errors.New("livekit: unauthenticated")
	ErrAccessDenied    = errors.New("livekit: access denied")
	ErrProfileNotFound = errors.New("livekit: profile not found")
	ErrMisconfigured   = errors.New("livekit: token signing not configured")
	ErrInvalidRequest  = errors.New("livekit: invalid token request")
)

// TokenRequest asks for a media token for one room.
type TokenRequest struct {
	RoomName    string                 `json:"room_name" binding:"required"`
	ContextType models.ContextType     `json:"context_type" binding:"required"`
	ContextID   string                 `json:"context_id" binding:"required"`
	Role        models.ParticipantRole `json:"role"`
}

// Token is a signed media-session credential.
type Token struct {
	Token     string                 `json:"token"`
	URL       string                 `json:"url"`
	RoomName  string                 `json:"room_name"`
	Identity  string                 `json:"identity"`
	Name      string                 `json:"name"`
	Role      models.ParticipantRole `json:"role"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// AccessClaims is the claim set of a LiveKit access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
}

// Issuer authorizes callers and signs LiveKit access tokens.
type Issuer struct {
	APIKey    string
	APISecret string
	URL       string
	TTL       time.Duration

	store storage.ProfileStore
	now   func() time.Time
}

// NewIssuer creates an issuer from the LiveKit settings in cfg.
func NewIssuer(cfg *config.Config, store storage.ProfileStore) *Issuer {
	return &Issuer{
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		URL:       cfg.LiveKitURL,
		TTL:       config.MediaTokenTTL,
		store:     store,
		now:       time.Now,
	}
}

// WithClock overrides the time source; used by tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// RequestToken re-validates that caller may enter the room before minting a
// token. The client-derived room name is checked against the context, never
// trusted on its own.
func (i *Issuer) RequestToken(ctx context.Context, caller string, req TokenRequest) (*Token, error) {
	if caller == "" {
		metrics.TokenDenials.WithLabelValues("unauthenticated").Inc()
		return nil, ErrUnauthenticated
	}
	if i.APIKey == "" || i.APISecret == "" || i.URL == "" {
		metrics.TokenDenials.WithLabelValues("misconfigured").Inc()
		return nil, ErrMisconfigured
	}

	ref, err := ParseRoomName(req.RoomName)
	if err != nil {
		metrics.TokenDenials.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if ref.ContextType != req.ContextType {
		metrics.TokenDenials.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: room %s is not a %s room", ErrInvalidRequest, req.RoomName, req.ContextType)
	}
	if req.Role != "" && !req.Role.Valid() {
		metrics.TokenDenials.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, req.Role)
	}

	role, err := i.authorize(ctx, caller, ref, req)
	if err != nil {
		if errors.Is(err, ErrAccessDenied) {
			metrics.TokenDenials.WithLabelValues("access_denied").Inc()
		}
		return nil, err
	}

	profile, err := i.store.GetProfile(ctx, caller)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.TokenDenials.WithLabelValues("profile_missing").Inc()
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	now := i.now()
	expiresAt := now.Add(i.TTL)
	grant := GrantsFor(req.RoomName, role)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.APIKey,
			Subject:   caller,
			ID:        caller,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name:  profile.DisplayName,
		Video: &grant,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.APISecret))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	metrics.TokensIssued.WithLabelValues(string(role)).Inc()
	log.Debug().Str("identity", caller).Str("room", req.RoomName).Str("role", string(role)).Msg("Issued media token")

	return &Token{
		Token:     signed,
		URL:       i.URL,
		RoomName:  req.RoomName,
		Identity:  caller,
		Name:      profile.DisplayName,
		Role:      role,
		ExpiresAt: expiresAt,
	}, nil
}

// authorize checks context access and returns the effective role. A request
// can lower its role but never raise it above what the context allows.
func (i *Issuer) authorize(ctx context.Context, caller string, ref RoomRef, req TokenRequest) (models.ParticipantRole, error) {
	requested := req.Role
	if requested == "" {
		requested = DefaultRole(ref.ContextType)
	}

	switch ref.ContextType {
	case models.ContextDM:
		if !ref.Includes(caller) || !ref.Includes(req.ContextID) || req.ContextID == caller {
			return "", ErrAccessDenied
		}
		return capRole(requested, models.RoleSpeaker), nil

	case models.ContextGroup:
		if ref.IDs[0] != req.ContextID {
			return "", ErrAccessDenied
		}
		ok, err := i.store.IsGroupMember(ctx, req.ContextID, caller)
		if err != nil {
			return "", fmt.Errorf("check group membership: %w", err)
		}
		if !ok {
			return "", ErrAccessDenied
		}
		return capRole(requested, models.RoleSpeaker), nil

	case models.ContextStudyRoom:
		if ref.IDs[0] != req.ContextID {
			return "", ErrAccessDenied
		}
		stored, ok, err := i.store.StudyRoomRole(ctx, req.ContextID, caller)
		if err != nil {
			return "", fmt.Errorf("check study room membership: %w", err)
		}
		if !ok {
			return "", ErrAccessDenied
		}
		return capRole(requested, stored), nil
	}
	return "", ErrAccessDenied
}

// ParseToken verifies a token minted by this issuer and returns its claims.
func (i *Issuer) ParseToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(i.APISecret), nil
	}, jwt.WithTimeFunc(i.now), jwt.WithIssuer(i.APIKey))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
