package meter

import (
	"github.com/voltgrid/voltra/internal/meter/repository"
	"github.com/voltgrid/voltra/internal/meter/service"
	"go.uber.org/fx"
)

var Module = fx.Module("meter.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
