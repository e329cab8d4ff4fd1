package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/gateway/internal/platform/auth"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("username already registered")
)

// Directory stores local accounts.
type Directory interface {
	// Authenticate returns the user for username when password matches.
	Authenticate(ctx context.Context, username, password string) (*User, error)
	// Create stores u with password hashed. It assigns ID and CreatedAt.
	Create(ctx context.Context, u *User, password string) error
}

// DemoUser is the account available when the demo login is enabled.
var DemoUser = User{
	ID:            "1",
	Username:      "demo",
	Name:          "Demo User",
	Email:         "demo@carelink.com",
	Role:          auth.RolePatient,
	FHIRPatientID: "example-patient-123",
}

// MemoryDirectory keeps accounts in process memory. Usernames are matched
// case-insensitively.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*User
	demo  bool
	now   func() time.Time
}

// DirectoryOption configures a MemoryDirectory.
type DirectoryOption func(*MemoryDirectory)

// WithDemoUser enables the demo account, which accepts any non-empty password.
func WithDemoUser() DirectoryOption {
	return func(d *MemoryDirectory) { d.demo = true }
}

func NewMemoryDirectory(opts ...DirectoryOption) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]*User), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *MemoryDirectory) Authenticate(_ context.Context, username, password string) (*User, error) {
	key := normalizeUsername(username)
	if d.demo && key == DemoUser.Username {
		u := DemoUser
		return &u, nil
	}

	d.mu.RLock()
	u, ok := d.users[key]
	d.mu.RUnlock()
	if !ok {
		// equalize timing with the bcrypt comparison below
		_ = VerifyPassword(dummyHash(), password)
		return nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	c := *u
	return &c, nil
}

func (d *MemoryDirectory) Create(_ context.Context, u *User, password string) error {
	key := normalizeUsername(u.Username)
	if d.demo && key == DemoUser.Username {
		return ErrUserExists
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[key]; ok {
		return ErrUserExists
	}
	u.ID = uuid.NewString()
	u.PasswordHash = hash
	u.CreatedAt = d.now().UTC()
	c := *u
	d.users[key] = &c
	return nil
}

// Len returns the number of registered users, excluding the demo account.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// dummyHash is a bcrypt hash of a random value nobody knows.
var dummyHash = sync.OnceValue(func() string {
	h, _ := HashPassword(uuid.NewString())
	return h
})
