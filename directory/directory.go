package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"gridpresence/grid"
	"gridpresence/presence"
)

// ErrNotFound 目录中没有该参与者
var ErrNotFound = errors.New("participant not found")

// Profile 目录中的参与者资料
type Profile struct {
	ID          string
	DisplayName string
	AvatarKey   string
	StatusText  string
	IsNPC       bool
	// NPC 的固定出生点；普通用户为空
	Seed *grid.Position
	Dir  grid.Direction
}

func (p Profile) Identity() presence.Identity {
	return presence.Identity{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		AvatarKey:   p.AvatarKey,
		StatusText:  p.StatusText,
		IsNPC:       p.IsNPC,
	}
}

// Directory 基于 SQLite 的参与者目录：提供显示名、头像键、状态文字和 NPC 出生点
type Directory struct {
	db *sql.DB
}

// Open 打开（必要时创建）目录库；path 为 ":memory:" 时使用内存库
func Open(path string) (*Directory, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	return &Directory{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		`CREATE TABLE IF NOT EXISTS profiles (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_key   TEXT NOT NULL DEFAULT '',
			status_text  TEXT NOT NULL DEFAULT '',
			is_npc       INTEGER NOT NULL DEFAULT 0,
			seed_x       INTEGER,
			seed_y       INTEGER,
			direction    TEXT NOT NULL DEFAULT 'down'
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (d *Directory) Close() error { return d.db.Close() }

// Put 插入或更新资料
func (d *Directory) Put(ctx context.Context, p Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("profile id is required")
	}
	if !p.Dir.Valid() {
		p.Dir = grid.DirDown
	}
	var sx, sy sql.NullInt64
	if p.Seed != nil {
		sx = sql.NullInt64{Int64: int64(p.Seed.X), Valid: true}
		sy = sql.NullInt64{Int64: int64(p.Seed.Y), Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, avatar_key, status_text, is_npc, seed_x, seed_y, direction)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_key   = excluded.avatar_key,
			status_text  = excluded.status_text,
			is_npc       = excluded.is_npc,
			seed_x       = excluded.seed_x,
			seed_y       = excluded.seed_y,
			direction    = excluded.direction`,
		p.ID, p.DisplayName, p.AvatarKey, p.StatusText, boolInt(p.IsNPC), sx, sy, p.Dir.String())
	if err != nil {
		return fmt.Errorf("put profile %s: %w", p.ID, err)
	}
	return nil
}

// Get 按 id 查询
func (d *Directory) Get(ctx context.Context, id string) (Profile, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, display_name, avatar_key, status_text, is_npc, seed_x, seed_y, direction
		FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

// SetStatus 更新状态文字
func (d *Directory) SetStatus(ctx context.Context, id, text string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE profiles SET status_text = ? WHERE id = ?`, text, id)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// NPCSeeds 返回所有带出生点的 NPC，坐标越界的记录被裁剪到地图内
func (d *Directory) NPCSeeds(ctx context.Context, bounds grid.Bounds) ([]presence.State, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, display_name, avatar_key, status_text, is_npc, seed_x, seed_y, direction
		FROM profiles WHERE is_npc = 1 AND seed_x IS NOT NULL AND seed_y IS NOT NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query npc seeds: %w", err)
	}
	defer rows.Close()

	var out []presence.State
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, presence.State{
			Identity:  p.Identity(),
			Position:  bounds.Clamp(*p.Seed),
			Direction: p.Dir,
		})
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(s scanner) (Profile, error) {
	var (
		p      Profile
		isNPC  int
		sx, sy sql.NullInt64
		dir    string
	)
	if err := s.Scan(&p.ID, &p.DisplayName, &p.AvatarKey, &p.StatusText, &isNPC, &sx, &sy, &dir); err != nil {
		return Profile{}, err
	}
	p.IsNPC = isNPC != 0
	if sx.Valid && sy.Valid {
		p.Seed = &grid.Position{X: int(sx.Int64), Y: int(sy.Int64)}
	}
	if d, ok := grid.ParseDirection(dir); ok {
		p.Dir = d
	}
	return p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
