package auth

import "time"

type User struct {
	ID             string
	Email          string
	Name           string
	PasswordHash   string
	Role           Role
	IsActive       bool
	FailedAttempts int
	LockedUntil    *time.Time
	TokenVersion   int
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clean reports whether the stored row shows no failures and no live lock.
func (u User) Clean(now time.Time) bool {
	return u.FailedAttempts == 0 && (u.LockedUntil == nil || !now.Before(*u.LockedUntil))
}

func (u User) Subject() Subject {
	return Subject{
		UserID:       u.ID,
		Email:        u.Email,
		Role:         u.Role,
		TokenVersion: u.TokenVersion,
	}
}

type PublicUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}

func (u User) Public() PublicUser {
	return PublicUser{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CleanupResult struct {
	DeletedSessions int64 `json:"deleted_sessions"`
}
