package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/history"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// HistoryRepo пишет журнал контура (алерты, откаты, синки) пакетами
// и отдает выборки для management API.
type HistoryRepo struct {
	db *sql.DB
}

func NewHistoryRepo(connString string) *HistoryRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		// В main мы проверим соединение через Ping
		log.Fatal(err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &HistoryRepo{db: db}
}

func (r *HistoryRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *HistoryRepo) Close() error {
	return r.db.Close()
}

func (r *HistoryRepo) WriteBatch(ctx context.Context, events []history.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице control_events
	numFields := 6
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6)

		vals = append(vals,
			e.ID, string(e.Kind), e.RefID, e.Action, []byte(e.Payload), e.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO control_events (id, kind, ref_id, action, payload, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

// Recent возвращает последние события журнала, опционально по одному виду.
func (r *HistoryRepo) Recent(ctx context.Context, kind history.EventKind, limit int) ([]history.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := "SELECT id, kind, ref_id, action, payload, timestamp FROM control_events"
	args := []interface{}{}
	if kind != "" {
		query += " WHERE kind = $1"
		args = append(args, string(kind))
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()

	var out []history.Event
	for rows.Next() {
		var e history.Event
		var k string
		if err := rows.Scan(&e.ID, &k, &e.RefID, &e.Action, (*[]byte)(&e.Payload), &e.Timestamp); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		e.Kind = history.EventKind(k)
		out = append(out, e)
	}
	return out, rows.Err()
}
