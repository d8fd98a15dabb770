package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/voltgrid/voltra/internal/autorecharge/worker"
	"github.com/voltgrid/voltra/internal/clock"
	"github.com/voltgrid/voltra/internal/config"
	"github.com/voltgrid/voltra/internal/logger"
	"github.com/voltgrid/voltra/internal/migration"
	"github.com/voltgrid/voltra/internal/observability"
	"github.com/voltgrid/voltra/internal/server"
	"github.com/voltgrid/voltra/pkg/db"
	"go.uber.org/fx"
)

// The monolith binary: API plus the auto-recharge worker in one process.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
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
