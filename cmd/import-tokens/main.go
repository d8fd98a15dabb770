package main

import (
	"encoding/json"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/voltra/internal/config"
	"github.com/voltgrid/voltra/internal/logger"
	"github.com/voltgrid/voltra/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// tokenRecord accepts both key spellings the export files use.
type tokenRecord struct {
	Token     string       `json:"token"`
	TokenCode string       `json:"token_code"`
	Amount    *json.Number `json:"amount"`
	Price     *json.Number `json:"price"`
	Units     *json.Number `json:"units"`
	KWh       *json.Number `json:"kwh"`
}

func (r tokenRecord) code() string {
	if code := strings.TrimSpace(r.Token); code != "" {
		return code
	}
	return strings.TrimSpace(r.TokenCode)
}

func (r tokenRecord) amount() *decimal.Decimal {
	return pickDecimal(r.Amount, r.Price)
}

func (r tokenRecord) units() *decimal.Decimal {
	return pickDecimal(r.Units, r.KWh)
}

func pickDecimal(primary, fallback *json.Number) *decimal.Decimal {
	for _, n := range []*json.Number{primary, fallback} {
		if n == nil {
			continue
		}
		parsed, err := decimal.NewFromString(n.String())
		if err != nil {
			continue
		}
		return &parsed
	}
	return nil
}

func main() {
	path := flag.String("file", "Tokens.json", "path to the token export file")
	flag.Parse()

	cfg := config.Load()
	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	raw, err := os.ReadFile(*path)
	if err != nil {
		log.Fatal("read token file", zap.String("path", *path), zap.Error(err))
	}

	var records []tokenRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		log.Fatal("parse token file", zap.String("path", *path), zap.Error(err))
	}

	conn, err := db.New(cfg, log)
	if err != nil {
		log.Fatal("connect database", zap.Error(err))
	}
	defer func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	node, err := snowflake.NewNode(1)
	if err != nil {
		log.Fatal("init id generator", zap.Error(err))
	}

	created, updated, skipped := importRecords(conn, node, records)

	log.Info("token import finished",
		zap.String("file", *path),
		zap.Int("created", created),
		zap.Int("updated", updated),
		zap.Int("skipped", skipped),
	)
}

func importRecords(conn *gorm.DB, node *snowflake.Node, records []tokenRecord) (created, updated, skipped int) {
	now := time.Now().UTC()

	for _, rec := range records {
		code := rec.code()
		if code == "" {
			skipped++
			continue
		}

		var existing struct {
			ID snowflake.ID
		}
		if err := conn.Raw(
			`SELECT id FROM token_pool WHERE token_code = ? LIMIT 1`, code,
		).Scan(&existing).Error; err != nil {
			zap.L().Warn("lookup failed", zap.String("token_code", code), zap.Error(err))
			skipped++
			continue
		}

		amount := rec.amount()
		units := rec.units()

		if existing.ID != 0 {
			// Existing entries still pick up amount/units from newer exports.
			if amount == nil && units == nil {
				skipped++
				continue
			}
			if err := conn.Exec(
				`UPDATE token_pool
				 SET amount = COALESCE(?, amount), units = COALESCE(?, units)
				 WHERE id = ?`,
				amount, units, existing.ID,
			).Error; err != nil {
				zap.L().Warn("update failed", zap.String("token_code", code), zap.Error(err))
				skipped++
				continue
			}
			updated++
			continue
		}

		if err := conn.Exec(
			`INSERT INTO token_pool (id, token_code, is_allocated, units, amount, created_at)
			 VALUES (?, ?, FALSE, ?, ?, ?)`,
			node.Generate(), code, units, amount, now,
		).Error; err != nil {
			zap.L().Warn("insert failed", zap.String("token_code", code), zap.Error(err))
			skipped++
			continue
		}
		created++
	}

	return created, updated, skipped
}
