// Package seed bootstraps a fresh installation with a usable tenant.
package seed

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	tenantdomain "github.com/makerstall/atelier/internal/tenant/domain"
	"gorm.io/gorm"
)

const (
	defaultTenantName  = "Atelier"
	defaultTenantEmail = "studio@atelier.local"
)

// EnsureDefaultTenant seeds the default seller tenant so a self-hosted
// install can take orders out of the box. Safe to call on every startup.
func EnsureDefaultTenant(db *gorm.DB, id int64, currency string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing tenantdomain.Tenant
		err := tx.WithContext(ctx).
			Where("slug = ?", slug.Make(defaultTenantName)).
			First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		tenantID := snowflake.ID(id)
		if tenantID == 0 {
			tenantID = node.Generate()
		}
		tenant := tenantdomain.Tenant{
			ID:           tenantID,
			Slug:         slug.Make(defaultTenantName),
			Name:         defaultTenantName,
			ContactEmail: defaultTenantEmail,
			Currency:     strings.ToUpper(currency),
			Plan:         tenantdomain.PlanFree,
		}
		return tx.WithContext(ctx).Create(&tenant).Error
	})
}
