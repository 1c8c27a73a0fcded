package payment

import (
	disputerepository "github.com/makerstall/atelier/internal/payment/dispute/repository"
	disputeservice "github.com/makerstall/atelier/internal/payment/dispute/service"
	"github.com/makerstall/atelier/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(disputerepository.Provide),
	fx.Provide(disputeservice.NewService),
	fx.Provide(webhook.NewService),
)
