package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/voltgrid/voltra/internal/clock"
	notificationdomain "github.com/voltgrid/voltra/internal/notification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) notificationdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("notification.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Notify writes a notification row. Errors are swallowed so a broken sink can
// never abort an allocation.
func (s *Service) Notify(ctx context.Context, userID snowflake.ID, notificationType, title, message string) {
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO notifications (id, user_id, notification_type, title, message, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		userID,
		notificationType,
		title,
		message,
		false,
		s.clock.Now(),
	).Error
	if err != nil {
		s.log.Warn("failed to deliver notification",
			zap.String("user_id", userID.String()),
			zap.String("type", notificationType),
			zap.Error(err),
		)
	}
}

func (s *Service) ListForUser(ctx context.Context, userID snowflake.ID) ([]notificationdomain.Notification, error) {
	var items []notificationdomain.Notification
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, user_id, notification_type, title, message, payload, is_read, created_at
		 FROM notifications
		 WHERE user_id = ?
		 ORDER BY created_at DESC`,
		userID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
