package recharge

import (
	"github.com/voltgrid/voltra/internal/recharge/repository"
	"github.com/voltgrid/voltra/internal/recharge/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recharge.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
