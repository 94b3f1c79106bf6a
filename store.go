// FILE: store.go
// Package main – Durable per-symbol state (cost basis + position checkpoint).
//
// Backends (state.backend in config):
//   • file     – one JSON document keyed by symbol, written tmp+rename
//   • postgres – bot_state table via pgxpool, JSONB payload plus numeric columns
//   • redis    – one JSON value per symbol under <prefix><symbol>
//   • memory   – process-local map (backtests, dry-run without persistence)
//
// Only the owning symbol loop writes a symbol's record, so backends need no
// cross-symbol coordination beyond their own client safety.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// SymbolState is the persisted snapshot of one symbol.
type SymbolState struct {
	Position  PositionState `json:"position"`
	CostBasis CostBasis     `json:"cost_basis"`
}

// StateStore loads and saves SymbolState records.
type StateStore interface {
	Load(ctx context.Context, symbol string) (SymbolState, bool, error)
	Save(ctx context.Context, st SymbolState) error
	List(ctx context.Context) ([]SymbolState, error)
	Close() error
}

// openStore builds the configured backend.
func openStore(ctx context.Context, cfg StateConfig, log *logrus.Logger) (StateStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory", "none":
		return newMemoryStore(), nil
	case "file":
		return newFileStore(cfg.Path)
	case "postgres":
		return newPostgresStore(ctx, cfg.PostgresDSN)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Infof("[BOOT] state backend redis %s", cfg.RedisAddr)
		return newRedisStore(client, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// ---------- memory ----------

type memoryStore struct {
	mu   sync.RWMutex
	data map[string]SymbolState
}

func newMemoryStore() *memoryStore { return &memoryStore{data: map[string]SymbolState{}} }

func (m *memoryStore) Load(_ context.Context, symbol string) (SymbolState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.data[symbol]
	return st, ok, nil
}

func (m *memoryStore) Save(_ context.Context, st SymbolState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[st.Position.Symbol] = st
	return nil
}

func (m *memoryStore) List(_ context.Context) ([]SymbolState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedStates(m.data), nil
}

func (m *memoryStore) Close() error { return nil }

// ---------- file ----------

type fileStore struct {
	path string
	mu   sync.Mutex
}

func newFileStore(path string) (*fileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("file state backend needs state.path")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("state dir %s: %w", dir, err)
		}
	}
	return &fileStore{path: path}, nil
}

func (f *fileStore) readAll() (map[string]SymbolState, error) {
	out := map[string]SymbolState{}
	bs, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(bs))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(bs, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return out, nil
}

func (f *fileStore) Load(_ context.Context, symbol string) (SymbolState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.readAll()
	if err != nil {
		return SymbolState{}, false, err
	}
	st, ok := all[symbol]
	return st, ok, nil
}

func (f *fileStore) Save(_ context.Context, st SymbolState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.readAll()
	if err != nil {
		return err
	}
	all[st.Position.Symbol] = st
	bs, err := json.MarshalIndent(all, "", " ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *fileStore) List(_ context.Context) ([]SymbolState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.readAll()
	if err != nil {
		return nil, err
	}
	return sortedStates(all), nil
}

func (f *fileStore) Close() error { return nil }

// ---------- postgres ----------

const createStateTable = `
	CREATE TABLE IF NOT EXISTS bot_state (
		symbol        TEXT PRIMARY KEY,
		quantity_held NUMERIC NOT NULL,
		average_price NUMERIC NOT NULL,
		payload       JSONB NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

const upsertStateQuery = `
	INSERT INTO bot_state (symbol, quantity_held, average_price, payload, updated_at)
	VALUES ($1, $2::numeric, $3::numeric, $4, now())
	ON CONFLICT (symbol) DO UPDATE SET
		quantity_held = EXCLUDED.quantity_held,
		average_price = EXCLUDED.average_price,
		payload       = EXCLUDED.payload,
		updated_at    = now()`

type postgresStore struct {
	pool *pgxpool.Pool
}

func newPostgresStore(ctx context.Context, dsn string) (*postgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if _, err := pool.Exec(ctx, createStateTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create bot_state: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (p *postgresStore) Load(ctx context.Context, symbol string) (SymbolState, bool, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM bot_state WHERE symbol = $1`, symbol).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return SymbolState{}, false, nil
	}
	if err != nil {
		return SymbolState{}, false, fmt.Errorf("load state %s: %w", symbol, err)
	}
	var st SymbolState
	if err := json.Unmarshal(payload, &st); err != nil {
		return SymbolState{}, false, fmt.Errorf("decode state %s: %w", symbol, err)
	}
	return st, true, nil
}

func (p *postgresStore) Save(ctx context.Context, st SymbolState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = p.pool.Exec(ctx, upsertStateQuery,
		st.Position.Symbol,
		st.CostBasis.QuantityHeld.String(),
		st.CostBasis.AveragePrice.String(),
		payload,
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", st.Position.Symbol, err)
	}
	return nil
}

func (p *postgresStore) List(ctx context.Context) ([]SymbolState, error) {
	rows, err := p.pool.Query(ctx, `SELECT payload FROM bot_state ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	defer rows.Close()
	var out []SymbolState
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var st SymbolState
		if err := json.Unmarshal(payload, &st); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *postgresStore) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

// ---------- redis ----------

type redisStore struct {
	client *redis.Client
	prefix string
}

func newRedisStore(client *redis.Client, prefix string) *redisStore {
	if prefix == "" {
		prefix = "mexcbot:state:"
	}
	return &redisStore{client: client, prefix: prefix}
}

func (r *redisStore) Load(ctx context.Context, symbol string) (SymbolState, bool, error) {
	bs, err := r.client.Get(ctx, r.prefix+symbol).Bytes()
	if errors.Is(err, redis.Nil) {
		return SymbolState{}, false, nil
	}
	if err != nil {
		return SymbolState{}, false, fmt.Errorf("redis get %s: %w", symbol, err)
	}
	var st SymbolState
	if err := json.Unmarshal(bs, &st); err != nil {
		return SymbolState{}, false, fmt.Errorf("decode state %s: %w", symbol, err)
	}
	return st, true, nil
}

func (r *redisStore) Save(ctx context.Context, st SymbolState) error {
	bs, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+st.Position.Symbol, bs, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", st.Position.Symbol, err)
	}
	return nil
}

func (r *redisStore) List(ctx context.Context) ([]SymbolState, error) {
	keys, err := r.client.Keys(ctx, r.prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	all := map[string]SymbolState{}
	for _, k := range keys {
		st, ok, err := r.Load(ctx, strings.TrimPrefix(k, r.prefix))
		if err != nil {
			return nil, err
		}
		if ok {
			all[st.Position.Symbol] = st
		}
	}
	return sortedStates(all), nil
}

func (r *redisStore) Close() error { return r.client.Close() }

func sortedStates(m map[string]SymbolState) []SymbolState {
	out := make([]SymbolState, 0, len(m))
	for _, st := range m {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.Symbol < out[j].Position.Symbol })
	return out
}
