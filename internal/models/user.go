package models

import "time"

// User is a registered account. The engine itself never checks credentials;
// it trusts the user id the auth middleware resolves.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Couple pairs two users; sessions belong to a couple and inherit its members.
type Couple struct {
	ID        int64     `json:"id"`
	UserAID   int64     `json:"user_a_id"`
	UserBID   int64     `json:"user_b_id"`
	CreatedAt time.Time `json:"created_at"`
}
