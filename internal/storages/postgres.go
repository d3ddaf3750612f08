package storages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/conserver/internal/storage"
	"github.com/oriys/conserver/internal/vcon"
)

// Postgres is a storage.Backend backed by a single upsert-by-UUID table,
// using the same pgx pool/query shape as the domain stack's Postgres-backed
// metadata store.
type Postgres struct {
	pool  *pgxpool.Pool
	vcons *vcon.Store
	table string
}

// NewPostgres creates a Postgres-backed storage. table must already exist
// with columns (uuid text primary key, document jsonb not null).
func NewPostgres(pool *pgxpool.Pool, vcons *vcon.Store, table string) *Postgres {
	if table == "" {
		table = "vcons"
	}
	return &Postgres{pool: pool, vcons: vcons, table: table}
}

func (p *Postgres) Save(ctx context.Context, uuid string, _ storage.Options) error {
	doc, err := p.vcons.Get(ctx, uuid)
	if err != nil {
		return fmt.Errorf("storages/postgres: read vcon %s: %w", uuid, err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (uuid, document)
		VALUES ($1, $2)
		ON CONFLICT (uuid) DO UPDATE SET document = EXCLUDED.document
	`, p.table)
	_, err = p.pool.Exec(ctx, query, uuid, data)
	if err != nil {
		return fmt.Errorf("storages/postgres: upsert %s: %w", uuid, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, uuid string, _ storage.Options) ([]byte, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE uuid = $1`, p.table)
	var data []byte
	err := p.pool.QueryRow(ctx, query, uuid).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("storages/postgres: get %s: %w", uuid, err)
	}
	return data, nil
}

func (p *Postgres) Delete(ctx context.Context, uuid string, _ storage.Options) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE uuid = $1`, p.table)
	_, err := p.pool.Exec(ctx, query, uuid)
	if err != nil {
		return fmt.Errorf("storages/postgres: delete %s: %w", uuid, err)
	}
	return nil
}
