// Package repository provides PostgreSQL-backed persistence for configuration
// payloads. Every accepted payload is stored as a new version, and a NOTIFY on
// the payload channel tells other replicas to reload the latest one.
package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "variantz_payloads"
	listenRetryInterval  = time.Second
)

// PayloadRecord is a stored configuration payload version. Body holds the raw
// bytes exactly as uploaded, which may be an encrypted envelope.
type PayloadRecord struct {
	Version   int64     `json:"version"`
	Body      []byte    `json:"-"`
	Checksum  string    `json:"checksum"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// PostgresRepository stores payload versions in a pgxpool-backed database
// and relays LISTEN/NOTIFY signals for payload changes.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "variantz_payloads" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// SavePayload inserts body as a new payload version and sends a NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) SavePayload(ctx context.Context, body []byte, createdBy string) (PayloadRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return PayloadRecord{}, fmt.Errorf("begin save payload tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created PayloadRecord
	if err := tx.QueryRow(ctx, `
		INSERT INTO config_payloads (body, checksum, created_by)
		VALUES ($1, $2, $3)
		RETURNING version, body, checksum, created_by, created_at
	`,
		body,
		Checksum(body),
		createdBy,
	).Scan(
		&created.Version,
		&created.Body,
		&created.Checksum,
		&created.CreatedBy,
		&created.CreatedAt,
	); err != nil {
		return PayloadRecord{}, fmt.Errorf("insert payload: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return PayloadRecord{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return PayloadRecord{}, fmt.Errorf("notify payload: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PayloadRecord{}, fmt.Errorf("commit save payload tx: %w", err)
	}

	return created, nil
}

// LatestPayload returns the highest payload version. Returns pgx.ErrNoRows
// (wrapped) if no payload has been stored.
func (r *PostgresRepository) LatestPayload(ctx context.Context) (PayloadRecord, error) {
	var record PayloadRecord
	err := r.pool.QueryRow(ctx, `
		SELECT version, body, checksum, created_by, created_at
		FROM config_payloads
		ORDER BY version DESC
		LIMIT 1
	`).Scan(
		&record.Version,
		&record.Body,
		&record.Checksum,
		&record.CreatedBy,
		&record.CreatedAt,
	)
	if err != nil {
		return PayloadRecord{}, fmt.Errorf("latest payload: %w", err)
	}

	return record, nil
}

// ListPayloadVersions returns metadata for the most recent payload versions,
// newest first. Bodies are not loaded.
func (r *PostgresRepository) ListPayloadVersions(ctx context.Context, limit int) ([]PayloadRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT version, checksum, created_by, created_at
		FROM config_payloads
		ORDER BY version DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list payload versions: %w", err)
	}
	defer rows.Close()

	records := make([]PayloadRecord, 0)
	for rows.Next() {
		var record PayloadRecord
		if err := rows.Scan(
			&record.Version,
			&record.Checksum,
			&record.CreatedBy,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan payload version: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list payload versions rows: %w", err)
	}

	return records, nil
}

// PrunePayloads deletes all but the newest keep versions and returns the
// number of rows removed.
func (r *PostgresRepository) PrunePayloads(ctx context.Context, keep int) (int64, error) {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM config_payloads
		WHERE version NOT IN (
			SELECT version FROM config_payloads ORDER BY version DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune payloads: %w", err)
	}
	return commandTag.RowsAffected(), nil
}

// SubscribeInvalidation returns a channel that receives a signal whenever a
// payload notification arrives on the PostgreSQL LISTEN channel. Lost
// connections are retried; the channel is closed once ctx is done.
func (r *PostgresRepository) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(listenRetryInterval)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for payload notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

// Checksum returns the hex SHA-256 of a payload body. Replicas compare it to
// skip reinstalling a payload they already hold.
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(record PayloadRecord) (string, error) {
	serialized, err := json.Marshal(struct {
		Version  int64  `json:"version"`
		Checksum string `json:"checksum"`
	}{
		Version:  record.Version,
		Checksum: record.Checksum,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
