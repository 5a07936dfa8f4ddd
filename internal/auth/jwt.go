package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/charhubai/charhub/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims carried by access tokens presented on the WS handshake and HTTP calls.
type Claims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID       `json:"user_id"`
	Role   models.UserRole `json:"role"`
}

// InviteClaims is the payload of 7-day conversation invite tokens.
type InviteClaims struct {
	jwt.RegisteredClaims
	ConversationID uuid.UUID `json:"conversation_id"`
	InviterID      uuid.UUID `json:"inviter_id"`
}

type Service struct {
	secret      []byte
	issuer      string
	tokenExpiry time.Duration
	inviteTTL   time.Duration
}

type Config struct {
	Secret      string
	Issuer      string
	TokenExpiry time.Duration
	InviteTTL   time.Duration
}

func NewService(cfg *Config) *Service {
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 24 * time.Hour
	}
	if cfg.InviteTTL == 0 {
		cfg.InviteTTL = 7 * 24 * time.Hour
	}
	return &Service{
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		tokenExpiry: cfg.TokenExpiry,
		inviteTTL:   cfg.InviteTTL,
	}
}

func (s *Service) IssueAccessToken(userID uuid.UUID, role models.UserRole) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
		},
		UserID: userID,
		Role:   role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

// IssueInviteToken creates a bearer invite bound to (conversation, inviter).
func (s *Service) IssueInviteToken(conversationID, inviterID uuid.UUID) (string, error) {
	now := time.Now()
	claims := &InviteClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   "invite",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.inviteTTL)),
		},
		ConversationID: conversationID,
		InviterID:      inviterID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Service) ValidateInviteToken(tokenString string) (*InviteClaims, error) {
	claims := &InviteClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.ConversationID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing conversation id", ErrInvalidToken)
	}
	return claims, nil
}

func (s *Service) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
