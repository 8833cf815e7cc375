package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/outbox"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/pkg/money"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation        = "23505"
	providerReferenceIndex = "idx_payments_provider_reference"
)

const paymentColumns = `id, owner_id, amount, currency, method, status, provider_reference, failure_reason,
		        retry_count, max_retries, next_retry_at, refund_amount, refund_reason, refunded_at,
		        processed_at, metadata, created_at, updated_at`

// PaymentRepository implements payment.Repository using PostgreSQL.
// Every accepted change also writes an audit row and an outbox entry in the
// same transaction.
type PaymentRepository struct {
	pool   *pgxpool.Pool
	tx     *TxManager
	outbox outbox.Repository
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{
		pool:   pool,
		tx:     NewTxManager(pool),
		outbox: NewOutboxRepository(pool),
	}
}

func (r *PaymentRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Create inserts a new payment.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := r.db(ctx).Exec(ctx,
			`INSERT INTO payments (`+paymentColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			p.ID, p.OwnerID, money.Format(p.Amount.ValueCents), p.Amount.Currency, string(p.Method), string(p.Status),
			p.ProviderReference, p.FailureReason, p.RetryCount, p.MaxRetries, p.NextRetryAt,
			refundAmountArg(p.RefundAmount), p.RefundReason, p.RefundedAt, p.ProcessedAt,
			metadata, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			if isDuplicateReference(err) {
				return domainErrors.ErrDuplicateProviderReference
			}
			return fmt.Errorf("insert payment: %w", err)
		}
		return r.record(ctx, p, "")
	})
}

// GetByID retrieves a payment by its ID.
func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return r.scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// FindByProviderReference retrieves the payment correlated with a provider charge.
func (r *PaymentRepository) FindByProviderReference(ctx context.Context, ref string) (*payment.Payment, error) {
	return r.scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_reference = $1`, ref))
}

// CompareAndSwap locks the row, checks the expected status and persists the
// mutated record.
func (r *PaymentRepository) CompareAndSwap(ctx context.Context, id uuid.UUID, expected payment.Status, mutate payment.Mutator) (*payment.Payment, error) {
	var out *payment.Payment

	err := r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		current, err := r.scanPayment(r.db(ctx).QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if current.Status != expected {
			return fmt.Errorf("payment %s is %s, expected %s: %w", id, current.Status, expected, domainErrors.ErrOptimisticLockFailed)
		}

		next, err := mutate(*current.Clone())
		if errors.Is(err, domainErrors.ErrNoChange) {
			out = current
			return nil
		}
		if err != nil {
			return err
		}
		if next.ID != id {
			return fmt.Errorf("mutator changed payment id: %w", domainErrors.ErrInvalidInput)
		}
		if old := current.Reference(); old != "" && next.Reference() != old {
			return fmt.Errorf("provider reference is immutable: %w", domainErrors.ErrInvalidStateTransition)
		}

		if err := r.update(ctx, &next, expected); err != nil {
			return err
		}
		if err := r.record(ctx, &next, current.Status); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PaymentRepository) update(ctx context.Context, p *payment.Payment, expected payment.Status) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payments SET
		  status=$1, provider_reference=$2, failure_reason=$3,
		  retry_count=$4, next_retry_at=$5, refund_amount=$6, refund_reason=$7,
		  refunded_at=$8, processed_at=$9, metadata=$10, updated_at=$11
		 WHERE id=$12 AND status=$13`,
		string(p.Status), p.ProviderReference, p.FailureReason,
		p.RetryCount, p.NextRetryAt, refundAmountArg(p.RefundAmount), p.RefundReason,
		p.RefundedAt, p.ProcessedAt, metadata, p.UpdatedAt,
		p.ID, string(expected),
	)
	if err != nil {
		if isDuplicateReference(err) {
			return domainErrors.ErrDuplicateProviderReference
		}
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrOptimisticLockFailed
	}
	return nil
}

// record writes the audit row and the outbox entry for a stored change.
func (r *PaymentRepository) record(ctx context.Context, p *payment.Payment, from payment.Status) error {
	h := payment.NewHistoryEntry(p, from)
	data, err := json.Marshal(h.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO payment_events (id, payment_id, event_type, event_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		h.ID, h.PaymentID, h.EventType, data, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}

	return r.outbox.Insert(ctx, outbox.NewLifecycleEntry(p, from))
}

// ListRetryable returns failed payments whose backoff has elapsed, oldest due first.
func (r *PaymentRepository) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*payment.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE status = 'failed' AND retry_count < max_retries
		   AND (next_retry_at IS NULL OR next_retry_at <= $1)
		 ORDER BY next_retry_at ASC NULLS FIRST
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable payments: %w", err)
	}
	return r.collect(rows)
}

// List lists payments with optional filters.
func (r *PaymentRepository) List(ctx context.Context, f payment.ListFilter) ([]*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.OwnerID != nil {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, *f.OwnerID)
		argIdx++
	}
	if f.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*f.Status))
		argIdx++
	}
	if f.Method != nil {
		query += fmt.Sprintf(" AND method = $%d", argIdx)
		args = append(args, string(*f.Method))
		argIdx++
	}
	if f.Exhausted {
		query += " AND status = 'failed' AND retry_count >= max_retries"
	}

	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return r.collect(rows)
}

// History retrieves the audit trail of a payment, oldest first.
func (r *PaymentRepository) History(ctx context.Context, paymentID uuid.UUID) ([]*payment.HistoryEntry, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, payment_id, event_type, event_data, created_at
		 FROM payment_events WHERE payment_id = $1 ORDER BY created_at ASC, id`, paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payment events: %w", err)
	}
	defer rows.Close()

	var events []*payment.HistoryEntry
	for rows.Next() {
		e := &payment.HistoryEntry{}
		var data []byte
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(data, &e.EventData); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- scanning helpers ---

func (r *PaymentRepository) collect(rows pgx.Rows) ([]*payment.Payment, error) {
	defer rows.Close()

	var payments []*payment.Payment
	for rows.Next() {
		p, err := r.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// scanPayment scans a payment from any source implementing the scanner interface.
func (r *PaymentRepository) scanPayment(s scanner) (*payment.Payment, error) {
	p := &payment.Payment{Metadata: make(map[string]any)}
	var (
		amountStr string
		method    string
		status    string
		refundStr *string
		metadata  []byte
	)
	err := s.Scan(
		&p.ID, &p.OwnerID, &amountStr, &p.Amount.Currency, &method, &status, &p.ProviderReference, &p.FailureReason,
		&p.RetryCount, &p.MaxRetries, &p.NextRetryAt, &refundStr, &p.RefundReason, &p.RefundedAt,
		&p.ProcessedAt, &metadata, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	cents, err := money.ParseCents(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	p.Amount.ValueCents = cents

	if refundStr != nil {
		refund, err := money.ParseCents(*refundStr)
		if err != nil {
			return nil, fmt.Errorf("parse refund amount: %w", err)
		}
		p.RefundAmount = &refund
	}

	p.Method = payment.Method(method)
	p.Status = payment.Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal payment metadata: %w", err)
		}
	}
	return p, nil
}

func refundAmountArg(cents *int64) *string {
	if cents == nil {
		return nil
	}
	s := money.Format(*cents)
	return &s
}

// isDuplicateReference reports a clash on the provider reference index.
func isDuplicateReference(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == providerReferenceIndex
}
