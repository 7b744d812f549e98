package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore хранит документы в таблице ledger_documents.
// Колонка body имеет тип JSON, а не JSONB: JSONB переупорядочивает
// ключи, а порядок вставки нам нужен для лидерборда.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, doc Document) ([]byte, error) {
	query := `SELECT body::text FROM ledger_documents WHERE name = $1`
	var body string
	err := s.db.QueryRow(ctx, query, string(doc)).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения документа %s: %w", doc, err)
	}
	return []byte(body), nil
}

func (s *PostgresStore) Save(ctx context.Context, doc Document, body []byte) error {
	query := `
		INSERT INTO ledger_documents (name, body, updated_at)
		VALUES ($1, $2::json, NOW())
		ON CONFLICT (name) DO UPDATE
		SET body = EXCLUDED.body, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, string(doc), string(body)); err != nil {
		return fmt.Errorf("ошибка записи документа %s: %w", doc, err)
	}
	return nil
}
