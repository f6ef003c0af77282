// Package directory is the persistent side of PeerDrop: the user directory
// consulted when a signaling session authenticates, and the history of
// completed transfers.
package directory

import "time"

// User is a registered account. Only ID, Username and Email are exposed to
// the relay.
type User struct {
	ID           string `gorm:"primaryKey;type:text"`
	Username     string `gorm:"uniqueIndex;not null;type:text"`
	Email        string `gorm:"uniqueIndex;not null;type:text"`
	PasswordHash string `gorm:"not null;type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName returns the table name for the User entity.
func (User) TableName() string {
	return "users"
}

// Transfer is one accepted file transfer between two users.
type Transfer struct {
	ID               string    `gorm:"primaryKey;type:text" json:"id"`
	FileName         string    `gorm:"not null;type:text" json:"fileName"`
	FileSize         int64     `json:"fileSize"`
	FileType         string    `gorm:"type:text" json:"fileType"`
	SenderID         string    `gorm:"index;not null;type:text" json:"sender_id"`
	ReceiverID       string    `gorm:"index;not null;type:text" json:"receiver_id"`
	SenderUsername   string    `gorm:"type:text" json:"sender_username"`
	ReceiverUsername string    `gorm:"type:text" json:"receiver_username"`
	CreatedAt        time.Time `gorm:"index" json:"timestamp"`
}

// TableName returns the table name for the Transfer entity.
func (Transfer) TableName() string {
	return "transfer_history"
}
