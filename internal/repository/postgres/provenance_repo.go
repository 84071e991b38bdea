package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/pulsemesh-prototype/internal/provenance"
)

// ProvenanceRepo — Postgres-хранилище журнала (таблица provenance_log).
// Реализует provenance.Storage и provenance.Reader.
type ProvenanceRepo struct {
	db *sql.DB
}

func NewProvenanceRepo(connString string) (*ProvenanceRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &ProvenanceRepo{db: db}, nil
}

func (r *ProvenanceRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *ProvenanceRepo) Close() error {
	return r.db.Close()
}

// WriteBatch — пакетная вставка пачки записей одним запросом.
func (r *ProvenanceRepo) WriteBatch(ctx context.Context, records []provenance.Record) error {
	if len(records) == 0 {
		return nil
	}

	// Количество колонок в таблице provenance_log
	numFields := 13
	placeholderStr := ""
	vals := make([]interface{}, 0, len(records)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12, p+13)

		warnings, _ := json.Marshal(rec.Warnings)

		vals = append(vals,
			rec.ID, rec.EnvelopeID, rec.Origin, rec.Target, rec.Intent,
			[]byte(rec.Payload), string(rec.Decision), rec.RulesetID, rec.Coherence,
			warnings, rec.Initiator, rec.AuthorizedBy, rec.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO provenance_log (id, envelope_id, origin, target, intent, payload, decision, ruleset_id, coherence, warnings, initiator, authorized_by, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: batch insert failed: %w", err)
	}
	return nil
}

// Query транслирует фильтр в WHERE и возвращает записи в порядке добавления.
func (r *ProvenanceRepo) Query(ctx context.Context, f provenance.Filter) ([]provenance.Record, error) {
	var (
		conds []string
		vals  []interface{}
	)
	addCond := func(expr string, v interface{}) {
		vals = append(vals, v)
		conds = append(conds, fmt.Sprintf(expr, len(vals)))
	}

	if !f.From.IsZero() {
		addCond("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		addCond("timestamp <= $%d", f.To)
	}
	if f.Origin != "" {
		addCond("origin = $%d", f.Origin)
	}
	if f.Intent != "" {
		addCond("intent = $%d", f.Intent)
	}
	if f.Decision != "" {
		addCond("decision = $%d", string(f.Decision))
	}

	query := "SELECT id, envelope_id, origin, target, intent, payload, decision, ruleset_id, coherence, warnings, initiator, authorized_by, timestamp FROM provenance_log"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if f.Limit > 0 {
		vals = append(vals, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(vals))
	}

	rows, err := r.db.QueryContext(ctx, query, vals...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query failed: %w", err)
	}
	defer rows.Close()

	var out []provenance.Record
	for rows.Next() {
		var (
			rec      provenance.Record
			decision string
			payload  []byte
			warnings []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.EnvelopeID, &rec.Origin, &rec.Target, &rec.Intent,
			&payload, &decision, &rec.RulesetID, &rec.Coherence,
			&warnings, &rec.Initiator, &rec.AuthorizedBy, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan failed: %w", err)
		}
		rec.Payload = payload
		rec.Decision = provenance.Decision(decision)
		if len(warnings) > 0 {
			_ = json.Unmarshal(warnings, &rec.Warnings)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
