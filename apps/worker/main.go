package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/voltgrid/voltra/internal/autorecharge"
	"github.com/voltgrid/voltra/internal/autorecharge/worker"
	"github.com/voltgrid/voltra/internal/clock"
	"github.com/voltgrid/voltra/internal/config"
	"github.com/voltgrid/voltra/internal/logger"
	"github.com/voltgrid/voltra/internal/meter"
	"github.com/voltgrid/voltra/internal/migration"
	"github.com/voltgrid/voltra/internal/notification"
	"github.com/voltgrid/voltra/internal/observability"
	"github.com/voltgrid/voltra/internal/ratelimit"
	"github.com/voltgrid/voltra/internal/tokenpool"
	"github.com/voltgrid/voltra/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		meter.Module,
		notification.Module,
		tokenpool.Module,
		ratelimit.Module,
		autorecharge.Module,
		worker.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
