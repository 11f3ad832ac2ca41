// Package auth はメールアドレスとパスワードによる認証、セッション管理、
// アクセストークンの発行を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/chirp/internal/model"
	"github.com/hitoshi/chirp/internal/repository"
	"github.com/hitoshi/chirp/internal/security"
)

const (
	minPasswordLength = 6
	maxUsernameLength = 50
)

// AccessTokenIssuer はアクセストークンの発行と検証のインターフェース。
type AccessTokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
	Verify(token string) (string, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	BcryptCost    int // 0の場合はbcrypt.DefaultCost
}

// AuthResult はサインアップ・サインインの結果。
// セッションCookieとアクセストークンのどちらでも同じユーザーとして扱われる。
type AuthResult struct {
	User           *model.User
	Profile        *model.Profile
	Session        *model.Session
	AccessToken    string
	TokenExpiresAt time.Time
}

// Account はログイン中ユーザーの情報。
type Account struct {
	User    *model.User
	Profile *model.Profile
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	profileRepo repository.ProfileRepository
	sessionRepo repository.SessionRepository
	tokens      AccessTokenIssuer
	sanitizer   security.ContentSanitizerService
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	profileRepo repository.ProfileRepository,
	sessionRepo repository.SessionRepository,
	tokens AccessTokenIssuer,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		userRepo:    userRepo,
		profileRepo: profileRepo,
		sessionRepo: sessionRepo,
		tokens:      tokens,
		sanitizer:   security.NewTextSanitizer(),
		config:      config,
	}
}

// SignUp は新しいユーザーとプロフィールを作成し、ログイン状態にする。
// usernameが空の場合はメールアドレスの@より前を使う。
func (s *Service) SignUp(ctx context.Context, email, password, username string) (*AuthResult, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		return nil, model.NewValidationError(fmt.Sprintf("パスワードは%d文字以上で入力してください", minPasswordLength))
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = defaultUsername(email)
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return nil, model.NewValidationError(fmt.Sprintf("ユーザー名は%d文字以内で入力してください", maxUsernameLength))
	}
	if s.sanitizer.ContainsMarkup(username) {
		return nil, model.NewValidationError("ユーザー名にHTMLタグは使用できません")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return nil, model.NewValidationError("パスワードが長すぎます")
		}
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	profile := &model.Profile{
		UserID:    user.ID,
		Username:  username,
		CreatedAt: now,
	}
	if err := s.userRepo.CreateWithProfile(ctx, user, profile); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("username", username),
	)

	return s.startSession(ctx, user, profile)
}

// SignIn はメールアドレスとパスワードを検証し、ログイン状態にする。
// プロフィールが存在しない場合はここで作成する。
func (s *Service) SignIn(ctx context.Context, email, password string) (*AuthResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, model.NewInvalidCredentialsError()
	}

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidCredentialsError()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	profile, err := s.ensureProfile(ctx, user)
	if err != nil {
		return nil, err
	}

	slog.Info("user signed in", slog.String("user_id", user.ID))
	return s.startSession(ctx, user, profile)
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はユーザーIDからログイン中ユーザーの情報を取得する。
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, model.NewUnauthorizedError()
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	profile, err := s.ensureProfile(ctx, user)
	if err != nil {
		return nil, err
	}
	return &Account{User: user, Profile: profile}, nil
}

// VerifyToken はアクセストークンを検証し、ユーザーIDを返す。
func (s *Service) VerifyToken(token string) (string, error) {
	return s.tokens.Verify(token)
}

// ensureProfile はプロフィールを取得し、存在しなければ作成する。
func (s *Service) ensureProfile(ctx context.Context, user *model.User) (*model.Profile, error) {
	profile, err := s.profileRepo.FindByUserID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	if profile != nil {
		return profile, nil
	}

	profile = &model.Profile{
		UserID:    user.ID,
		Username:  defaultUsername(user.Email),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.profileRepo.Create(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	slog.Info("profile created on sign-in", slog.String("user_id", user.ID))
	return profile, nil
}

// startSession はセッションとアクセストークンを発行する。
func (s *Service) startSession(ctx context.Context, user *model.User, profile *model.Profile) (*AuthResult, error) {
	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	token, expiresAt, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		User:           user,
		Profile:        profile,
		Session:        session,
		AccessToken:    token,
		TokenExpiresAt: expiresAt,
	}, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return model.NewValidationError("メールアドレスの形式が正しくありません")
	}
	return nil
}

// defaultUsername はメールアドレスの@より前をユーザー名として返す。
func defaultUsername(email string) string {
	local, _, _ := strings.Cut(email, "@")
	if utf8.RuneCountInString(local) > maxUsernameLength {
		local = string([]rune(local)[:maxUsernameLength])
	}
	return local
}
