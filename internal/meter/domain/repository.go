package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, meter *Meter) error
	Update(ctx context.Context, db *gorm.DB, meter *Meter) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Meter, error)
	FindByNumber(ctx context.Context, db *gorm.DB, number string) (*Meter, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]Meter, error)
}
