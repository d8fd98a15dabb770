package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user not found")

// User is the narrow slice of the account directory this core reads.
type User struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	Email     string       `json:"email" gorm:"type:text;not null;uniqueIndex"`
	FullName  string       `json:"full_name" gorm:"type:text"`
	IsStaff   bool         `json:"is_staff" gorm:"not null;default:false"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	Insert(ctx context.Context, db *gorm.DB, user *User) error
}
