package user

import (
	"github.com/voltgrid/voltra/internal/user/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("user.directory",
	fx.Provide(repository.Provide),
)
