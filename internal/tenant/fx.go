package tenant

import (
	"github.com/makerstall/atelier/internal/tenant/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant.service",
	fx.Provide(repository.Provide),
)
