package services

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fieldgw/internal/core/domain"
	"fieldgw/pkg/config"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthService checks device logins on the rendezvous server and issues
// the session tokens used to log in again after a reconnect.
type AuthService interface {
	Authenticate(project string, device domain.DeviceID, password string) error
	GenerateToken(project string, device domain.DeviceID, role string) (string, time.Time, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	ProjectID string          `json:"project_id"`
	DeviceID  domain.DeviceID `json:"device_id"`
	Role      string          `json:"role"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret   []byte
	tokenTTL    time.Duration
	credentials map[string]string
	now         func() time.Time
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration, devices []config.DeviceCredential) AuthService {
	creds := make(map[string]string, len(devices))
	for _, d := range devices {
		creds[credentialKey(d.ProjectID, domain.DeviceID(d.DeviceID))] = d.Password
	}
	return &authService{
		jwtSecret:   []byte(jwtSecret),
		tokenTTL:    tokenTTL,
		credentials: creds,
		now:         time.Now,
	}
}

func credentialKey(project string, device domain.DeviceID) string {
	return project + "/" + string(device)
}

func (s *authService) Authenticate(project string, device domain.DeviceID, password string) error {
	want, ok := s.credentials[credentialKey(project, device)]
	if !ok {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (s *authService) GenerateToken(project string, device domain.DeviceID, role string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.tokenTTL)
	claims := &Claims{
		ProjectID: project,
		DeviceID:  device,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(device),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
