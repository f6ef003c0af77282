package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUserNotFound is returned when no user has the requested identity.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when the username or email is already taken.
	ErrUserExists = errors.New("user with this email or username already exists")
	// ErrInvalidCredentials is returned when an email/password pair does not match.
	ErrInvalidCredentials = errors.New("incorrect email or password")
)

const (
	defaultListLimit = 1000
	unknownUsername  = "Unknown"
)

// Store persists users and transfer history using GORM.
type Store struct {
	db       *gorm.DB
	hashCost int
}

// Option customizes a Store.
type Option func(*Store)

// WithBcryptCost overrides the bcrypt cost used for new passwords.
func WithBcryptCost(cost int) Option {
	return func(s *Store) {
		s.hashCost = cost
	}
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&User{}, &Transfer{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return New(db, opts...), nil
}

// New wraps an already opened database.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		hashCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser registers a new account with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, email, password string) (*User, error) {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)
	if username == "" || email == "" || password == "" {
		return nil, fmt.Errorf("create user: username, email and password are required")
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("email = ? OR username = ?", email, username).
		Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if count > 0 {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Authenticate returns the user owning email when password matches.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "email = ?", normalizeEmail(email)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// Lookup resolves a user identity to its account.
func (s *Store) Lookup(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user %s: %w", id, err)
	}
	return &user, nil
}

// RecordTransfer appends a completed transfer to the history. Missing
// usernames are resolved from the user table.
func (s *Store) RecordTransfer(ctx context.Context, transfer Transfer) (*Transfer, error) {
	if transfer.SenderID == "" || transfer.ReceiverID == "" {
		return nil, fmt.Errorf("record transfer: sender and receiver are required")
	}
	if transfer.ID == "" {
		transfer.ID = uuid.NewString()
	}
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = time.Now().UTC()
	}
	if transfer.SenderUsername == "" {
		transfer.SenderUsername = s.usernameOrUnknown(ctx, transfer.SenderID)
	}
	if transfer.ReceiverUsername == "" {
		transfer.ReceiverUsername = s.usernameOrUnknown(ctx, transfer.ReceiverID)
	}

	if err := s.db.WithContext(ctx).Create(&transfer).Error; err != nil {
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}
	return &transfer, nil
}

// ListTransfers returns the transfers userID took part in, newest first. A
// non-empty query keeps only transfers whose file name or either username
// contains it, case-insensitively.
func (s *Store) ListTransfers(ctx context.Context, userID, query string, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	tx := s.db.WithContext(ctx).
		Where("sender_id = ? OR receiver_id = ?", userID, userID)

	if q := strings.TrimSpace(query); q != "" {
		pattern := "%" + likeEscaper.Replace(strings.ToLower(q)) + "%"
		tx = tx.Where(
			`LOWER(file_name) LIKE ? ESCAPE '\' OR LOWER(sender_username) LIKE ? ESCAPE '\' OR LOWER(receiver_username) LIKE ? ESCAPE '\'`,
			pattern, pattern, pattern,
		)
	}

	var transfers []Transfer
	if err := tx.Order("created_at DESC").Limit(limit).Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, nil
}

func (s *Store) usernameOrUnknown(ctx context.Context, id string) string {
	user, err := s.Lookup(ctx, id)
	if err != nil {
		return unknownUsername
	}
	return user.Username
}

// likeEscaper makes LIKE wildcards in a search term match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
