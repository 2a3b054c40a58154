package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "PairAgent-Chain/internal/errors"
	"PairAgent-Chain/internal/transfer"
)

// MySQLConfig 描述 MySQL 流水的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLJournal 使用 MySQL 存储转账流水。
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal 创建连接池并执行嵌入的迁移。
func NewSQLJournal(ctx context.Context, cfg MySQLConfig) (*SQLJournal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	j := &SQLJournal{db: db}
	if err := j.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	db := sql.OpenDB(connector)

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

// Record 实现 transfer.Recorder。
func (s *SQLJournal) Record(ctx context.Context, res *transfer.Result) error {
	if res == nil {
		return nil
	}
	return s.Append(ctx, FromResult(res))
}

const insertEntrySQL = `INSERT INTO transfer_journal
    (id, owner, source, target, amount, outcome, tx_hash, block_number, attempts, nonces, gas_prices, error, started_at, finished_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectLatestSQL = `SELECT id, owner, source, target, amount, outcome, tx_hash, block_number, attempts, nonces, gas_prices, error, started_at, finished_at
    FROM transfer_journal ORDER BY finished_at DESC, id DESC LIMIT ?`

// Append 将流水写入 MySQL。
func (s *SQLJournal) Append(ctx context.Context, entry Entry) error {
	nonces, err := json.Marshal(entry.Nonces)
	if err != nil {
		return fmt.Errorf("序列化 nonce 列表失败: %w", err)
	}
	prices, err := json.Marshal(entry.GasPrices)
	if err != nil {
		return fmt.Errorf("序列化 gas price 列表失败: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, insertEntrySQL,
		entry.ID,
		entry.Owner,
		entry.Source,
		entry.Target,
		entry.Amount,
		entry.Outcome,
		entry.TxHash,
		int64(entry.BlockNumber),
		entry.Attempts,
		string(nonces),
		string(prices),
		entry.Error,
		entry.StartedAt.UnixMilli(),
		entry.FinishedAt.UnixMilli(),
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeConflict, err, "流水记录已存在", xerrors.WithMetadata("id", entry.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 MySQL 失败")
	}
	return nil
}

// ListLatest 查询最近的若干条流水。
func (s *SQLJournal) ListLatest(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, selectLatestSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询转账流水失败")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry               Entry
			block               int64
			nonces, prices      string
			startedAt, finished int64
		)
		if err := rows.Scan(&entry.ID, &entry.Owner, &entry.Source, &entry.Target, &entry.Amount, &entry.Outcome,
			&entry.TxHash, &block, &entry.Attempts, &nonces, &prices, &entry.Error, &startedAt, &finished); err != nil {
			return nil, fmt.Errorf("解析转账流水失败: %w", err)
		}
		entry.BlockNumber = uint64(block)
		if err := json.Unmarshal([]byte(nonces), &entry.Nonces); err != nil {
			return nil, fmt.Errorf("解析 nonce 列表失败: %w", err)
		}
		if err := json.Unmarshal([]byte(prices), &entry.GasPrices); err != nil {
			return nil, fmt.Errorf("解析 gas price 列表失败: %w", err)
		}
		entry.StartedAt = time.UnixMilli(startedAt).UTC()
		entry.FinishedAt = time.UnixMilli(finished).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历转账流水失败: %w", err)
	}
	return entries, nil
}

// Close 关闭底层数据库连接。
func (s *SQLJournal) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
