// Package sqlite persists relay deployment records.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"relayctl/internal/relay"

	_ "modernc.org/sqlite"
)

// Store keeps one deployment record per pod name.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS deployments (
	pod TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	site TEXT NOT NULL,
	kind INTEGER NOT NULL,
	version TEXT NOT NULL DEFAULT '',
	image_ref TEXT NOT NULL DEFAULT '',
	image_origin INTEGER NOT NULL DEFAULT 0,
	topology_json TEXT NOT NULL,
	deployed_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize deployments schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts or replaces the record of d.PodName.
func (s *Store) Put(ctx context.Context, d relay.Deployment) error {
	if d.PodName == "" {
		return errors.New("save deployment: pod name is required")
	}
	payload, err := json.Marshal(d.Topology)
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	deployedAt := d.DeployedAt
	if deployedAt.IsZero() {
		deployedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments (pod, id, site, kind, version, image_ref, image_origin, topology_json, deployed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pod) DO UPDATE SET
		 id = excluded.id,
		 site = excluded.site,
		 kind = excluded.kind,
		 version = excluded.version,
		 image_ref = excluded.image_ref,
		 image_origin = excluded.image_origin,
		 topology_json = excluded.topology_json,
		 deployed_at = excluded.deployed_at`,
		d.PodName,
		d.ID,
		d.Site,
		int(d.Kind),
		d.Version,
		d.Image.Ref,
		int(d.Image.Origin),
		string(payload),
		deployedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save deployment %q: %w", d.PodName, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, pod string) (relay.Deployment, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM deployments WHERE pod = ?`, pod)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return relay.Deployment{}, false, nil
		}
		return relay.Deployment{}, false, fmt.Errorf("query deployment %q: %w", pod, err)
	}
	return d, true, nil
}

// List returns all records ordered by pod name.
func (s *Store) List(ctx context.Context) ([]relay.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM deployments ORDER BY pod`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	out := make([]relay.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployment rows: %w", err)
	}
	return out, nil
}

// Delete removes the record of pod. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, pod string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE pod = ?`, pod); err != nil {
		return fmt.Errorf("delete deployment %q: %w", pod, err)
	}
	return nil
}

const columns = `pod, id, site, kind, version, image_ref, image_origin, topology_json, deployed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(sc scanner) (relay.Deployment, error) {
	var (
		d          relay.Deployment
		kind       int
		origin     int
		topoJSON   string
		deployedAt string
	)
	if err := sc.Scan(&d.PodName, &d.ID, &d.Site, &kind, &d.Version, &d.Image.Ref, &origin, &topoJSON, &deployedAt); err != nil {
		return relay.Deployment{}, err
	}
	d.Kind = relay.Kind(kind)
	d.Image.Origin = relay.ImageOrigin(origin)
	d.Image.Version = d.Version
	if err := json.Unmarshal([]byte(topoJSON), &d.Topology); err != nil {
		return relay.Deployment{}, fmt.Errorf("unmarshal topology of %q: %w", d.PodName, err)
	}
	t, err := time.Parse(time.RFC3339Nano, deployedAt)
	if err != nil {
		return relay.Deployment{}, fmt.Errorf("parse deployed_at of %q: %w", d.PodName, err)
	}
	d.DeployedAt = t
	return d, nil
}
