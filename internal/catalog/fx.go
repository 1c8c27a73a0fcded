package catalog

import (
	"github.com/makerstall/atelier/internal/catalog/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("catalog.service",
	fx.Provide(repository.Provide),
)
