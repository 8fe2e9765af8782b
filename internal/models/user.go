package models

// User represents a user in the system
type User struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	Username     string       `json:"username"`
	PasswordHash string       `json:"-"` // Not serialized
	PINHash      string       `json:"-"` // Not serialized
	Settings     UserSettings `json:"settings"`
}

// UserSettings holds profile-level preferences.
type UserSettings struct {
	CloudBackup   bool `json:"cloud_backup"`
	Notifications bool `json:"notifications"`
}

// UserPatch is a partial profile update; nil fields are left as-is.
type UserPatch struct {
	Username      *string `json:"username,omitempty"`
	CloudBackup   *bool   `json:"cloud_backup,omitempty"`
	Notifications *bool   `json:"notifications,omitempty"`
}

// Apply merges the patch into u.
func (p UserPatch) Apply(u User) User {
	if p.Username != nil {
		u.Username = *p.Username
	}
	if p.CloudBackup != nil {
		u.Settings.CloudBackup = *p.CloudBackup
	}
	if p.Notifications != nil {
		u.Settings.Notifications = *p.Notifications
	}
	return u
}
