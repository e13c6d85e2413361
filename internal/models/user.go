package models

import "time"

// User is a registered account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Credits      float64   `json:"credits"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile is the public view of a user, refreshed by clients after every turn.
type Profile struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Credits  float64 `json:"credits"`
}

// Profile returns the public view of the user.
func (u *User) Profile() Profile {
	return Profile{ID: u.ID, Username: u.Username, Credits: u.Credits}
}
