package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Slot is the gorm model behind the SQLite store.
type Slot struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (Slot) TableName() string { return "handshake_slots" }

type derivationCounter struct {
	ID    int `gorm:"primaryKey"`
	Value int64
}

func (derivationCounter) TableName() string { return "sink_derivation_counter" }

// SQLite serves hosts where the signer callback lands in a different
// process than the waiting session. It has no push notification; waiters
// poll.
type SQLite struct {
	DB *gorm.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Slot{}, &derivationCounter{}); err != nil {
		return nil, err
	}
	return &SQLite{DB: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var slot Slot
	err := s.DB.WithContext(ctx).First(&slot, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return slot.Value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	slot := Slot{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&slot).Error
}

func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Where("key IN ?", keys).Delete(&Slot{}).Error
}

func (s *SQLite) Take(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var slot Slot
		if err := tx.First(&slot, "key = ?", key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		res := tx.Where("key = ?", key).Delete(&Slot{})
		if res.Error != nil {
			return res.Error
		}
		// another process consumed it between read and delete
		if res.RowsAffected == 0 {
			return nil
		}
		value, found = slot.Value, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

func (s *SQLite) NextDerivationIndex(ctx context.Context) (int64, error) {
	var next int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter := derivationCounter{ID: 1}
		if err := tx.FirstOrCreate(&counter, derivationCounter{ID: 1}).Error; err != nil {
			return err
		}
		counter.Value++
		if err := tx.Save(&counter).Error; err != nil {
			return err
		}
		next = counter.Value
		return nil
	})
	return next, err
}

func (s *SQLite) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Where("updated_at < ?", t).Delete(&Slot{})
	return res.RowsAffected, res.Error
}
