package migration

import (
	auditdomain "github.com/makerstall/atelier/internal/audit/domain"
	catalogdomain "github.com/makerstall/atelier/internal/catalog/domain"
	"github.com/makerstall/atelier/internal/config"
	ledgerdomain "github.com/makerstall/atelier/internal/ledger/domain"
	orderdomain "github.com/makerstall/atelier/internal/order/domain"
	disputedomain "github.com/makerstall/atelier/internal/payment/dispute/domain"
	reservationdomain "github.com/makerstall/atelier/internal/reservation/domain"
	"github.com/makerstall/atelier/internal/seed"
	tenantdomain "github.com/makerstall/atelier/internal/tenant/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if conn.Dialector.Name() == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Non-postgres deployments (local sqlite, mysql dev) derive the
			// schema from the models directly.
			if err := conn.AutoMigrate(
				&tenantdomain.Tenant{},
				&catalogdomain.Piece{},
				&reservationdomain.StockReservation{},
				&orderdomain.Order{},
				&orderdomain.OrderItem{},
				&orderdomain.DigitalDelivery{},
				&ledgerdomain.Transaction{},
				&ledgerdomain.Payout{},
				&disputedomain.Dispute{},
				&auditdomain.AuditLog{},
			); err != nil {
				return err
			}
		}

		return seed.EnsureDefaultTenant(conn, cfg.DefaultTenantID, cfg.DefaultCurrency)
	}),
)
