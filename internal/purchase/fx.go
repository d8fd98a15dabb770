package purchase

import (
	"github.com/voltgrid/voltra/internal/purchase/repository"
	"github.com/voltgrid/voltra/internal/purchase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
