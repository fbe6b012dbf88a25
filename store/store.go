// Package store persists gateway configuration — nodes, groups, tags
// and subscriptions — in an embedded SQLite database, and loads it
// all back at boot.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// tell sql to use sqlite
	_ "modernc.org/sqlite"

	"gridlink/logging"
	"gridlink/tag"
)

// Store is the SQLite-backed configuration store.
type Store struct {
	db *sql.DB
}

// NodeRow is the persisted form of a node.
type NodeRow struct {
	Name    string
	Kind    int
	Plugin  string
	Setting string
	State   int
}

// GroupRow is the persisted form of a group.
type GroupRow struct {
	Driver   string
	Name     string
	Interval time.Duration
}

// SubscriptionRow is the persisted form of a subscription.
type SubscriptionRow struct {
	App    string
	Driver string
	Group  string
	Params string
}

// Open creates or opens the store file and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			name TEXT NOT NULL PRIMARY KEY,
			kind INT NOT NULL,
			plugin TEXT NOT NULL,
			setting TEXT,
			state INT)`,
		`CREATE TABLE IF NOT EXISTS groups (
			driver TEXT NOT NULL,
			name TEXT NOT NULL,
			interval_ms INT NOT NULL,
			PRIMARY KEY (driver, name))`,
		`CREATE TABLE IF NOT EXISTS tags (
			driver TEXT NOT NULL,
			grp TEXT NOT NULL,
			name TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (driver, grp, name))`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			app TEXT NOT NULL,
			driver TEXT NOT NULL,
			grp TEXT NOT NULL,
			params TEXT,
			PRIMARY KEY (app, driver, grp))`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveNode inserts or updates a node row.
func (s *Store) SaveNode(n NodeRow) error {
	_, err := s.db.Exec(
		`INSERT INTO nodes (name, kind, plugin, setting, state) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET kind=excluded.kind, plugin=excluded.plugin,
		 setting=excluded.setting, state=excluded.state`,
		n.Name, n.Kind, n.Plugin, n.Setting, n.State)
	if err != nil {
		return fmt.Errorf("save node %s: %w", n.Name, err)
	}
	return nil
}

// UpdateNodeName renames a node and cascades through groups, tags and
// subscriptions.
func (s *Store) UpdateNodeName(name, newName string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE nodes SET name=? WHERE name=?`, newName, name); err != nil {
		return fmt.Errorf("rename node %s: %w", name, err)
	}
	if _, err := tx.Exec(`UPDATE groups SET driver=? WHERE driver=?`, newName, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE tags SET driver=? WHERE driver=?`, newName, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE subscriptions SET driver=? WHERE driver=?`, newName, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE subscriptions SET app=? WHERE app=?`, newName, name); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateNodeState persists a node's last commanded running state so a
// restart restores it.
func (s *Store) UpdateNodeState(name string, state int) error {
	_, err := s.db.Exec(`UPDATE nodes SET state=? WHERE name=?`, state, name)
	return err
}

// UpdateNodeSetting persists a node's opaque setting blob.
func (s *Store) UpdateNodeSetting(name, setting string) error {
	_, err := s.db.Exec(`UPDATE nodes SET setting=? WHERE name=?`, setting, name)
	return err
}

// DeleteNode removes a node and cascades groups, tags and
// subscriptions that reference it.
func (s *Store) DeleteNode(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM nodes WHERE name=?`, name); err != nil {
		return fmt.Errorf("delete node %s: %w", name, err)
	}
	if _, err := tx.Exec(`DELETE FROM groups WHERE driver=?`, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM tags WHERE driver=?`, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM subscriptions WHERE driver=? OR app=?`, name, name); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadNodes returns all persisted nodes.
func (s *Store) LoadNodes() ([]NodeRow, error) {
	rows, err := s.db.Query(`SELECT name, kind, plugin, COALESCE(setting,''), COALESCE(state,0) FROM nodes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NodeRow
	for rows.Next() {
		var n NodeRow
		if err := rows.Scan(&n.Name, &n.Kind, &n.Plugin, &n.Setting, &n.State); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SaveGroup inserts or updates a group row.
func (s *Store) SaveGroup(g GroupRow) error {
	_, err := s.db.Exec(
		`INSERT INTO groups (driver, name, interval_ms) VALUES (?, ?, ?)
		 ON CONFLICT(driver, name) DO UPDATE SET interval_ms=excluded.interval_ms`,
		g.Driver, g.Name, g.Interval.Milliseconds())
	if err != nil {
		return fmt.Errorf("save group %s/%s: %w", g.Driver, g.Name, err)
	}
	return nil
}

// UpdateGroupName renames a group, cascading tags and subscriptions.
func (s *Store) UpdateGroupName(driver, name, newName string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE groups SET name=? WHERE driver=? AND name=?`, newName, driver, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE tags SET grp=? WHERE driver=? AND grp=?`, newName, driver, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE subscriptions SET grp=? WHERE driver=? AND grp=?`, newName, driver, name); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteGroup removes a group, its tags and its subscriptions.
func (s *Store) DeleteGroup(driver, name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM groups WHERE driver=? AND name=?`, driver, name); err != nil {
		return fmt.Errorf("delete group %s/%s: %w", driver, name, err)
	}
	if _, err := tx.Exec(`DELETE FROM tags WHERE driver=? AND grp=?`, driver, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM subscriptions WHERE driver=? AND grp=?`, driver, name); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadGroups returns all persisted groups.
func (s *Store) LoadGroups() ([]GroupRow, error) {
	rows, err := s.db.Query(`SELECT driver, name, interval_ms FROM groups ORDER BY driver, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupRow
	for rows.Next() {
		var g GroupRow
		var ms int64
		if err := rows.Scan(&g.Driver, &g.Name, &ms); err != nil {
			return nil, err
		}
		g.Interval = time.Duration(ms) * time.Millisecond
		out = append(out, g)
	}
	return out, rows.Err()
}

// SaveTag inserts or updates one tag. The tag body is stored as the
// tag model's JSON form, static value included.
func (s *Store) SaveTag(driver, group string, t *tag.Tag) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tag %s: %w", t.Name, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO tags (driver, grp, name, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(driver, grp, name) DO UPDATE SET body=excluded.body`,
		driver, group, t.Name, string(body))
	if err != nil {
		return fmt.Errorf("save tag %s/%s/%s: %w", driver, group, t.Name, err)
	}
	return nil
}

// SaveTags saves several tags in one transaction.
func (s *Store) SaveTags(driver, group string, ts []*tag.Tag) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range ts {
		body, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode tag %s: %w", t.Name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO tags (driver, grp, name, body) VALUES (?, ?, ?, ?)
			 ON CONFLICT(driver, grp, name) DO UPDATE SET body=excluded.body`,
			driver, group, t.Name, string(body)); err != nil {
			return fmt.Errorf("save tag %s: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

// DeleteTag removes one tag row.
func (s *Store) DeleteTag(driver, group, name string) error {
	_, err := s.db.Exec(`DELETE FROM tags WHERE driver=? AND grp=? AND name=?`, driver, group, name)
	return err
}

// LoadTags returns the tags of one group.
func (s *Store) LoadTags(driver, group string) ([]*tag.Tag, error) {
	rows, err := s.db.Query(
		`SELECT body FROM tags WHERE driver=? AND grp=? ORDER BY name`, driver, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*tag.Tag
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t := &tag.Tag{}
		if err := json.Unmarshal([]byte(body), t); err != nil {
			logging.DebugLog("store", "skipping undecodable tag in %s/%s: %v", driver, group, err)
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveSubscription inserts or updates a subscription row.
func (s *Store) SaveSubscription(sub SubscriptionRow) error {
	_, err := s.db.Exec(
		`INSERT INTO subscriptions (app, driver, grp, params) VALUES (?, ?, ?, ?)
		 ON CONFLICT(app, driver, grp) DO UPDATE SET params=excluded.params`,
		sub.App, sub.Driver, sub.Group, sub.Params)
	if err != nil {
		return fmt.Errorf("save subscription %s->%s/%s: %w", sub.App, sub.Driver, sub.Group, err)
	}
	return nil
}

// DeleteSubscription removes one subscription row.
func (s *Store) DeleteSubscription(app, driver, group string) error {
	_, err := s.db.Exec(
		`DELETE FROM subscriptions WHERE app=? AND driver=? AND grp=?`, app, driver, group)
	return err
}

// LoadSubscriptions returns all persisted subscriptions.
func (s *Store) LoadSubscriptions() ([]SubscriptionRow, error) {
	rows, err := s.db.Query(`SELECT app, driver, grp, COALESCE(params,'') FROM subscriptions ORDER BY app, driver, grp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubscriptionRow
	for rows.Next() {
		var r SubscriptionRow
		if err := rows.Scan(&r.App, &r.Driver, &r.Group, &r.Params); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
