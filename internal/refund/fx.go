package refund

import (
	"github.com/makerstall/atelier/internal/refund/service"
	"go.uber.org/fx"
)

var Module = fx.Module("refund.service",
	fx.Provide(service.NewReconciler),
)
