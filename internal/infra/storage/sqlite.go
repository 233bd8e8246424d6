package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pool_sync/internal/domain"
)

// PoolRecord is the persisted form of a domain.Entity.
// 256-bit values are stored as decimal strings; empty means absent.
type PoolRecord struct {
	Address  string `gorm:"primaryKey"`
	Class    string `gorm:"index"`
	Protocol string
	Token0   string
	Token1   string
	Factory  string
	Fee      uint32

	Reserve0     string
	Reserve1     string
	ReservesSlot string

	Liquidity    string
	SqrtPriceX96 string
	Tick         int32

	UpdatedAt time.Time
}

// Checkpoint holds the last height a published block was applied at.
type Checkpoint struct {
	ID        uint `gorm:"primaryKey"`
	Watermark uint64
	UpdatedAt time.Time
}

const checkpointID = 1

// Storage is the SQLite snapshot store for the entity registry and the watermark.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (creating if needed) the SQLite database at path
func NewStorage(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&PoolRecord{}, &Checkpoint{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Entity Operations
// ======================================================================================

// UpsertEntity creates or replaces the record for e.Address
func (s *Storage) UpsertEntity(e domain.Entity) error {
	rec := toRecord(e)
	return s.db.Save(&rec).Error
}

// GetEntity retrieves one entity. A missing record is not an error.
func (s *Storage) GetEntity(addr common.Address) (*domain.Entity, error) {
	var rec PoolRecord
	err := s.db.First(&rec, "address = ?", addr.Hex()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// LoadEntities returns every stored entity ordered by address.
func (s *Storage) LoadEntities() ([]domain.Entity, error) {
	var recs []PoolRecord
	if err := s.db.Order("address").Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]domain.Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteEntity removes the record for addr
func (s *Storage) DeleteEntity(addr common.Address) error {
	return s.db.Where("address = ?", addr.Hex()).Delete(&PoolRecord{}).Error
}

// ======================================================================================
// Checkpoint Operations
// ======================================================================================

// SaveWatermark stores height as the latest checkpoint
func (s *Storage) SaveWatermark(height uint64) error {
	return s.db.Save(&Checkpoint{ID: checkpointID, Watermark: height}).Error
}

// LoadWatermark returns the stored watermark; ok is false if none was saved.
func (s *Storage) LoadWatermark() (height uint64, ok bool, err error) {
	var cp Checkpoint
	err = s.db.First(&cp, checkpointID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cp.Watermark, true, nil
}

func toRecord(e domain.Entity) PoolRecord {
	rec := PoolRecord{
		Address:  e.Address.Hex(),
		Class:    e.Class.String(),
		Protocol: e.Protocol.String(),
		Token0:   e.Token0.Hex(),
		Token1:   e.Token1.Hex(),
		Factory:  e.Factory.Hex(),
		Fee:      e.Fee,
	}
	if cp := e.ConstantProduct; cp != nil {
		rec.Reserve0 = dec(cp.Reserve0)
		rec.Reserve1 = dec(cp.Reserve1)
		rec.ReservesSlot = dec(cp.ReservesSlot)
	}
	if c := e.Concentrated; c != nil {
		rec.Liquidity = dec(c.Liquidity)
		rec.SqrtPriceX96 = dec(c.SqrtPriceX96)
		rec.Tick = c.Tick
	}
	return rec
}

func fromRecord(rec PoolRecord) (domain.Entity, error) {
	class, err := domain.ParseClass(rec.Class)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("pool %s: %w", rec.Address, err)
	}
	e := domain.Entity{
		Address:  common.HexToAddress(rec.Address),
		Class:    class,
		Protocol: domain.ParseProtocol(rec.Protocol),
		Token0:   common.HexToAddress(rec.Token0),
		Token1:   common.HexToAddress(rec.Token1),
		Factory:  common.HexToAddress(rec.Factory),
		Fee:      rec.Fee,
	}

	var p parser
	switch class {
	case domain.ClassConstantProduct:
		e.ConstantProduct = &domain.ConstantProduct{
			Reserve0:     p.parse(rec.Reserve0),
			Reserve1:     p.parse(rec.Reserve1),
			ReservesSlot: p.parse(rec.ReservesSlot),
		}
	case domain.ClassConcentrated:
		e.Concentrated = &domain.Concentrated{
			Liquidity:    p.parse(rec.Liquidity),
			SqrtPriceX96: p.parse(rec.SqrtPriceX96),
			Tick:         rec.Tick,
		}
	}
	if p.err != nil {
		return domain.Entity{}, fmt.Errorf("pool %s: %w", rec.Address, p.err)
	}
	return e, nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

// parser keeps the first decoding error.
type parser struct {
	err error
}

func (p *parser) parse(s string) *uint256.Int {
	if s == "" || p.err != nil {
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		p.err = err
		return nil
	}
	return v
}
