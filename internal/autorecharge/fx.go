package autorecharge

import (
	"github.com/voltgrid/voltra/internal/autorecharge/repository"
	"github.com/voltgrid/voltra/internal/autorecharge/service"
	"go.uber.org/fx"
)

var Module = fx.Module("autorecharge.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
