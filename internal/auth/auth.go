// Package auth registers users and issues the bearer tokens the API accepts.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/virtuex/internal/models"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserStore is the persistence auth depends on
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (models.User, models.Wallet, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
}

// AuthService handles user authentication
type AuthService struct {
	store  UserStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthService creates a new auth service signing tokens with secret
func NewAuthService(store UserStore, secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{store: store, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Register creates a new user, with its wallet, under a hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (models.User, models.Wallet, error) {
	if username == "" {
		return models.User{}, models.Wallet{}, errors.New("username cannot be empty")
	}
	if password == "" {
		return models.User{}, models.Wallet{}, errors.New("password cannot be empty")
	}
	if len(username) > 50 {
		return models.User{}, models.Wallet{}, errors.New("username too long (max 50 characters)")
	}
	// bcrypt ignores anything past 72 bytes
	if len(password) > 72 {
		return models.User{}, models.Wallet{}, errors.New("password too long (max 72 characters)")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return models.User{}, models.Wallet{}, err
	}
	u, w, err := s.store.CreateUser(ctx, username, hash)
	if err != nil {
		return models.User{}, models.Wallet{}, errors.Wrap(err, "failed to create user")
	}
	return u, w, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, models.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if !CheckPassword(u.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}
	return s.Issue(u)
}

// Issue signs a token for u
func (s *AuthService) Issue(u models.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  u.ID,
		"username": u.Username,
		"exp":      s.now().Add(s.ttl).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// GetUserFromToken extracts the user id from a JWT
func (s *AuthService) GetUserFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return 0, errors.Wrap(err, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, errors.New("invalid token")
	}
	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return 0, errors.New("token carries no user")
	}
	return int64(userID), nil
}

// HashPassword hashes password with bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash password")
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
