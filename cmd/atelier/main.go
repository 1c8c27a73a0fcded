package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/makerstall/atelier/internal/audit"
	"github.com/makerstall/atelier/internal/catalog"
	"github.com/makerstall/atelier/internal/config"
	"github.com/makerstall/atelier/internal/ledger"
	"github.com/makerstall/atelier/internal/migration"
	"github.com/makerstall/atelier/internal/notification"
	"github.com/makerstall/atelier/internal/observability"
	"github.com/makerstall/atelier/internal/order"
	"github.com/makerstall/atelier/internal/payment"
	"github.com/makerstall/atelier/internal/processor"
	"github.com/makerstall/atelier/internal/refund"
	"github.com/makerstall/atelier/internal/reservation"
	"github.com/makerstall/atelier/internal/server"
	"github.com/makerstall/atelier/internal/subscription"
	"github.com/makerstall/atelier/internal/tenant"
	"github.com/makerstall/atelier/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,

		// Functional domains
		audit.Module,
		tenant.Module,
		catalog.Module,
		reservation.Module,
		ledger.Module,
		processor.Module,
		notification.Module,
		order.Module,
		refund.Module,
		subscription.Module,
		payment.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
