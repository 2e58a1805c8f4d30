package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arachnova/eventscout/internal/ledger"
	"github.com/arachnova/eventscout/internal/phones"
)

const migrationCanonicalizeLedgerPhones = "2024-06-01_canonicalize_ledger_phones"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCanonicalizeLedgerPhones, apply: canonicalizeLedgerPhones},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// canonicalizeLedgerPhones rewrites ledger rows imported with comma or pipe separated
// phone lists into the normalized ";" form.
func canonicalizeLedgerPhones(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var rows []ledger.Row
		if err := tx.Where("phone_numbers <> ''").Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			canonical := phones.Canonicalize(row.Phones)
			if canonical == row.Phones {
				continue
			}
			err := tx.Model(&ledger.Row{}).
				Where("snapshot_id = ? AND post_index = ?", row.SnapshotID, row.PostIndex).
				Update("phone_numbers", canonical).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
