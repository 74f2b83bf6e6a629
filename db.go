package whiskers

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// DB is a sqlite backed vector store. Vectors are kept as big-endian float32
// blobs and searched exhaustively.
type DB struct {
	db *sql.DB

	filepath string
}

var _ Store = &DB{}

func (db *DB) Close() {
	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: gets its own empty database
	if fname == ":memory:" {
		sqldb.SetMaxOpenConns(1)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &DB{db: sqldb, filepath: fname}, nil
}

func (db *DB) CreateCollection(ctx context.Context, name string) error {
	_, err := db.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, created_at) VALUES ($1,$2)",
		name, time.Now())
	return err
}

// Collections returns the names of all collections, sorted.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Insert stores doc, creating its collection if needed.
func (db *DB) Insert(ctx context.Context, doc *Document) error {
	blob, err := encodeVector(doc.Vector)
	if err != nil {
		return err
	}

	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if _, err := txn.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, created_at) VALUES ($1,$2)",
		doc.Collection, doc.CreatedAt); err != nil {
		return err
	}
	if _, err := txn.ExecContext(ctx, `
		INSERT INTO documents
		(id, collection, text, vector, model, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		doc.ID, doc.Collection, doc.Text, blob, doc.Model, doc.CreatedAt); err != nil {
		return err
	}

	return txn.Commit()
}

// Search scores every document in the collection embedded with model against
// vector and returns the best limit hits, highest score first.
func (db *DB) Search(ctx context.Context, collection, model string, vector []float32, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, text, vector FROM documents
		WHERE collection=$1 AND ($2 = '' OR model=$2)`,
		collection, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topk := NewTopKTracker(limit)
	for rows.Next() {
		var (
			hit  SearchHit
			blob []byte
		)
		if err := rows.Scan(&hit.ID, &hit.Text, &blob); err != nil {
			return nil, fmt.Errorf("error scanning documents: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}

		hit.Score, err = CosineSimilarity(vector, vec)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", hit.ID, err)
		}
		topk.ProcessItem(hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return topk.GetTopK(), nil
}

// Count returns the number of documents in the collection.
func (db *DB) Count(ctx context.Context, collection string) (int, error) {
	row := db.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE collection=$1", collection)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RemoveMatching deletes the documents of a collection whose text contains
// substr and returns how many were removed.
func (db *DB) RemoveMatching(ctx context.Context, collection, substr string) (int, error) {
	res, err := db.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection=$1 AND instr(text, $2) > 0",
		collection, substr)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DropCollection removes a collection and all of its documents, returning the
// number of documents removed.
func (db *DB) DropCollection(ctx context.Context, collection string) (int, error) {
	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	res, err := txn.ExecContext(ctx, "DELETE FROM documents WHERE collection=$1", collection)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := txn.ExecContext(ctx, "DELETE FROM collections WHERE name=$1", collection); err != nil {
		return 0, err
	}

	return int(n), txn.Commit()
}

func encodeVector(vector []float32) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Grow(len(vector) * 4)
	if err := binary.Write(buf, binary.BigEndian, vector); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.BigEndian, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}
