// Package archive keeps a history of flattened profile aggregates in a
// SQLite database, so aggregation jobs can compare how method and class
// usage evolves across profile snapshots.
package archive

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ProjectBlaze-14/art/pkg/dex"
	"github.com/ProjectBlaze-14/art/profile"
)

// ErrSnapshotNotFound indicates the requested snapshot doesn't exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// itemKindMethod and itemKindClass discriminate item rows.
const (
	itemKindMethod = "method"
	itemKindClass  = "class"
)

// Archive handles SQLite storage for profile snapshots.
type Archive struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates an archive database at the given path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Create tables if needed
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		created_at TEXT NOT NULL,
		max_aggregation_methods INTEGER NOT NULL,
		max_aggregation_classes INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshots table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS items (
		snapshot_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		dex_location TEXT NOT NULL,
		dex_checksum INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		flags INTEGER NOT NULL,
		annotations JSON NOT NULL,
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating items table: %w", err)
	}

	return &Archive{db: db, path: path}, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	ID                    string
	Label                 string
	CreatedAt             time.Time
	MaxAggregationMethods uint32
	MaxAggregationClasses uint32
}

// RecordSnapshot stores a flattened view under a fresh snapshot id and
// returns the id. The write is transactional: a failed insert leaves no
// partial snapshot behind.
func (a *Archive) RecordSnapshot(label string, flat *profile.FlattenProfileData) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := uuid.New().String()
	tx, err := a.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO snapshots (id, label, created_at, max_aggregation_methods, max_aggregation_classes) VALUES (?, ?, ?, ?, ?)",
		id, label, time.Now().UTC().Format(time.RFC3339),
		flat.GetMaxAggregationForMethods(), flat.GetMaxAggregationForClasses(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting snapshot: %w", err)
	}

	stmt, err := tx.Prepare(
		"INSERT INTO items (snapshot_id, kind, dex_location, dex_checksum, idx, flags, annotations) VALUES (?, ?, ?, ?, ?, ?, json(?))")
	if err != nil {
		return "", fmt.Errorf("preparing item insert: %w", err)
	}
	defer stmt.Close()

	for _, ref := range flat.MethodReferencesInOrder() {
		item := flat.GetMethodData()[ref]
		annotations, err := marshalAnnotations(item.GetAnnotations())
		if err != nil {
			return "", err
		}
		if _, err := stmt.Exec(id, itemKindMethod, ref.Dex.Location, ref.Dex.LocationChecksum,
			ref.Index, uint32(item.GetFlags()), annotations); err != nil {
			return "", fmt.Errorf("inserting method item: %w", err)
		}
	}
	for _, ref := range flat.TypeReferencesInOrder() {
		item := flat.GetClassData()[ref]
		annotations, err := marshalAnnotations(item.GetAnnotations())
		if err != nil {
			return "", err
		}
		if _, err := stmt.Exec(id, itemKindClass, ref.Dex.Location, ref.Dex.LocationChecksum,
			uint32(ref.TypeIndex), 0, annotations); err != nil {
			return "", fmt.Errorf("inserting class item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing snapshot: %w", err)
	}
	return id, nil
}

// Snapshots lists the stored snapshots, newest first.
func (a *Archive) Snapshots() ([]SnapshotInfo, error) {
	rows, err := a.db.Query(
		"SELECT id, label, created_at, max_aggregation_methods, max_aggregation_classes FROM snapshots ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var result []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var createdAt string
		if err := rows.Scan(&info.ID, &info.Label, &createdAt,
			&info.MaxAggregationMethods, &info.MaxAggregationClasses); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		if info.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing snapshot timestamp: %w", err)
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

// LoadSnapshot rebuilds a flattened view from a stored snapshot. Dex file
// descriptors are resolved by location and checksum; items for unknown dex
// files are skipped.
func (a *Archive) LoadSnapshot(id string, dexFiles []*dex.File) (*profile.FlattenProfileData, error) {
	var exists int
	err := a.db.QueryRow("SELECT COUNT(*) FROM snapshots WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	if exists == 0 {
		return nil, ErrSnapshotNotFound
	}

	byLocation := make(map[string]*dex.File, len(dexFiles))
	for _, f := range dexFiles {
		byLocation[f.Location] = f
	}

	rows, err := a.db.Query(
		"SELECT kind, dex_location, dex_checksum, idx, flags, annotations FROM items WHERE snapshot_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	flat := profile.NewFlattenProfileData()
	for rows.Next() {
		var kind, location, annotationsJSON string
		var checksum, idx, flags uint32
		if err := rows.Scan(&kind, &location, &checksum, &idx, &flags, &annotationsJSON); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		dexFile := byLocation[location]
		if dexFile == nil || dexFile.LocationChecksum != checksum {
			continue
		}
		annotations, err := unmarshalAnnotations(annotationsJSON)
		if err != nil {
			return nil, err
		}
		switch kind {
		case itemKindMethod:
			flat.AddMethodMetadata(dex.MethodReference{Dex: dexFile, Index: idx},
				profile.Flag(flags), annotations)
		case itemKindClass:
			flat.AddClassMetadata(dex.TypeReference{Dex: dexFile, TypeIndex: dex.TypeIndex(idx)},
				annotations)
		default:
			return nil, fmt.Errorf("unknown item kind %q", kind)
		}
	}
	return flat, rows.Err()
}

// DeleteSnapshot removes a snapshot and its items.
func (a *Archive) DeleteSnapshot(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.db.Exec("DELETE FROM items WHERE snapshot_id = ?", id); err != nil {
		return fmt.Errorf("deleting items: %w", err)
	}
	if _, err := a.db.Exec("DELETE FROM snapshots WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// FindByLabel returns the snapshot ids recorded under a label.
func (a *Archive) FindByLabel(label string) ([]string, error) {
	rows, err := a.db.Query("SELECT id FROM snapshots WHERE label = ? ORDER BY created_at", label)
	if err != nil {
		return nil, fmt.Errorf("querying by label: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalAnnotations(annotations []profile.SampleAnnotation) (string, error) {
	names := make([]string, len(annotations))
	for i, a := range annotations {
		names[i] = a.OriginPackageName()
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "", fmt.Errorf("marshaling annotations: %w", err)
	}
	return string(data), nil
}

func unmarshalAnnotations(data string) ([]profile.SampleAnnotation, error) {
	var names []string
	if err := json.Unmarshal([]byte(data), &names); err != nil {
		return nil, fmt.Errorf("parsing annotations %q: %w", strings.TrimSpace(data), err)
	}
	annotations := make([]profile.SampleAnnotation, len(names))
	for i, name := range names {
		annotations[i] = profile.NewSampleAnnotation(name)
	}
	return annotations, nil
}
