package tokenpool

import (
	"github.com/voltgrid/voltra/internal/tokenpool/allocator"
	"github.com/voltgrid/voltra/internal/tokenpool/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("tokenpool.allocator",
	fx.Provide(repository.Provide),
	fx.Provide(allocator.New),
)
