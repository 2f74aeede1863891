package app

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"jobwatch/config"
	"jobwatch/models"
)

func NewDatabase(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{})
	if err != nil {
		log.Sugar().Panicw("failed to connect database", "err", err)
	}
	log.Info("Database started")

	log.Info("Starting migrations")
	db.AutoMigrate(
		&models.Category{},
		&models.Job{},
		&models.Subscriber{},
		&models.Notification{},
		&models.ScrapeLog{},
	)

	seedCategories(db, log, cfg)
	return db
}

// seedCategories populates the default watch list on a fresh database so
// the poller has something to do before any admin configuration happens.
func seedCategories(db *gorm.DB, log *zap.Logger, cfg *config.Config) {
	var count int64
	if err := db.Model(&models.Category{}).Count(&count).Error; err != nil {
		log.Sugar().Errorw("failed to count categories", "err", err)
		return
	}
	if count > 0 {
		return
	}

	seed := models.Category{
		Name:      "جميع المشاريع",
		SourceURL: cfg.SourceBaseURL + "/projects",
	}
	if err := db.Create(&seed).Error; err != nil {
		log.Sugar().Errorw("failed to seed categories", "err", err)
		return
	}
	log.Sugar().Infof("Seeded default category %s", seed.SourceURL)
}
