package database

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charhubai/charhub/internal/models"
)

type Seeder struct {
	db *gorm.DB
}

func NewSeeder(db *gorm.DB) *Seeder {
	return &Seeder{db: db}
}

// SeedAll installs the baseline rows a fresh deployment needs: subscription
// plans and the service cost table. Both are idempotent upserts keyed on the
// natural unique column.
func (s *Seeder) SeedAll() error {
	if err := s.SeedPlans(); err != nil {
		return fmt.Errorf("failed to seed plans: %w", err)
	}
	if err := s.SeedServiceCosts(); err != nil {
		return fmt.Errorf("failed to seed service costs: %w", err)
	}
	return nil
}

func (s *Seeder) SeedPlans() error {
	plans := []models.Plan{
		{Name: "free", MonthlyCredits: 100, PriceUsd: 0},
		{Name: "plus", MonthlyCredits: 2000, PriceUsd: 999},
		{Name: "pro", MonthlyCredits: 10000, PriceUsd: 2999},
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"monthly_credits", "price_usd"}),
	}).Create(&plans).Error
}

// SeedServiceCosts leaves operator-tuned rates alone; it only fills gaps.
func (s *Seeder) SeedServiceCosts() error {
	costs := []models.ServiceCost{
		{ServiceKey: "chat.completion", CreditsPerUnit: 1, Unit: models.UnitPer1kTokens},
		{ServiceKey: "image.generation", CreditsPerUnit: 5, Unit: models.UnitPerImage},
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_key"}},
		DoNothing: true,
	}).Create(&costs).Error
}
