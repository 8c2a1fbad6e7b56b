// Package db provides the persistent store for signals, execution records,
// terminal accounts and the audit trail.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("duplicate record")
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
)

// InsertAuditSQL is the audit insert statement, exported so callers can
// route audit rows through the batched writer.
const InsertAuditSQL = `
	INSERT INTO audit_log (id, user_id, action, resource_id, detail, created_at)
	VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
`

// ----------------------------------------
// Signal queries
// ----------------------------------------

// CreateSignal stores a new signal. The id is source-assigned.
func (d *Database) CreateSignal(ctx context.Context, s Signal) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (id, user_id, symbol, direction, entry, stop_loss, take_profit, confidence, status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.Symbol, s.Direction, s.Entry, s.StopLoss, s.TakeProfit, s.Confidence, SignalActive, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetSignal returns a signal owned by userID.
func (d *Database) GetSignal(ctx context.Context, userID, id string) (*Signal, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var s Signal
	var expires sql.NullTime
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, symbol, direction, entry, stop_loss, take_profit, confidence, status, created_at, expires_at
		FROM signals
		WHERE id = ? AND user_id = ?
	`, id, userID).Scan(&s.ID, &s.UserID, &s.Symbol, &s.Direction, &s.Entry, &s.StopLoss, &s.TakeProfit,
		&s.Confidence, &s.Status, &s.CreatedAt, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	if expires.Valid {
		s.ExpiresAt = expires.Time
	}
	return &s, nil
}

// UpdateSignalStatus sets the signal status.
func (d *Database) UpdateSignalStatus(ctx context.Context, id, status string) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE signals SET status = ? WHERE id = ?`, status, id)
	return err
}

// ----------------------------------------
// Execution queries
// ----------------------------------------

// CreateExecution stores a new execution record. A second pending record
// for the same signal id violates the pending unique index and comes back
// as ErrDuplicate.
func (d *Database) CreateExecution(ctx context.Context, e Execution) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO executions (id, signal_id, user_id, account_id, ticket, lot, requested_price, stop_loss, take_profit, status, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SignalID, e.UserID, e.AccountID, e.Ticket, e.Lot, e.RequestedPrice, e.StopLoss, e.TakeProfit, e.Status, e.Notes)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: pending execution for signal %s", ErrDuplicate, e.SignalID)
	}
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// isUniqueViolation matches the driver's unique-constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetExecution returns an execution record by id.
func (d *Database) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, signal_id, user_id, account_id, ticket, lot, requested_price, executed_price,
		       stop_loss, take_profit, status, notes, created_at
		FROM executions
		WHERE id = ?
	`, id)
	return scanExecution(row)
}

// ActiveExecutionForSignal returns the non-terminal execution for a signal,
// or ErrNotFound when none exists. At most one such record exists at a time.
func (d *Database) ActiveExecutionForSignal(ctx context.Context, signalID string) (*Execution, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, signal_id, user_id, account_id, ticket, lot, requested_price, executed_price,
		       stop_loss, take_profit, status, notes, created_at
		FROM executions
		WHERE signal_id = ? AND status NOT IN (?, ?, ?)
		LIMIT 1
	`, signalID, ExecExecuted, ExecFailed, ExecClosed)
	return scanExecution(row)
}

// LatestExecutedForSignal returns the executed (still open) record for a
// signal id, used to resolve close requests.
func (d *Database) LatestExecutedForSignal(ctx context.Context, signalID string) (*Execution, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, signal_id, user_id, account_id, ticket, lot, requested_price, executed_price,
		       stop_loss, take_profit, status, notes, created_at
		FROM executions
		WHERE signal_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, signalID, ExecExecuted)
	return scanExecution(row)
}

func scanExecution(row *sql.Row) (*Execution, error) {
	var e Execution
	err := row.Scan(&e.ID, &e.SignalID, &e.UserID, &e.AccountID, &e.Ticket, &e.Lot, &e.RequestedPrice,
		&e.ExecutedPrice, &e.StopLoss, &e.TakeProfit, &e.Status, &e.Notes, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return &e, nil
}

// MarkExecuted moves a pending record to executed. Returns false when the
// record was already in a terminal status (idempotent correlation).
func (d *Database) MarkExecuted(ctx context.Context, id string, ticket int64, price float64) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, ticket = ?, executed_price = ?, executed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, ExecExecuted, ticket, price, id, ExecPending)
	if err != nil {
		return false, fmt.Errorf("mark executed: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkFailed moves a pending record to failed with a reason.
func (d *Database) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, notes = ?
		WHERE id = ? AND status = ?
	`, ExecFailed, reason, id, ExecPending)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkClosed moves an executed record to closed.
func (d *Database) MarkClosed(ctx context.Context, id, notes string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, notes = ?, closed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, ExecClosed, notes, id, ExecExecuted)
	if err != nil {
		return false, fmt.Errorf("mark closed: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListExecutionsByUser returns recent execution records for a user.
func (d *Database) ListExecutionsByUser(ctx context.Context, userID string, limit int) ([]Execution, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, signal_id, user_id, account_id, ticket, lot, requested_price, executed_price,
		       stop_loss, take_profit, status, notes, created_at
		FROM executions
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.SignalID, &e.UserID, &e.AccountID, &e.Ticket, &e.Lot, &e.RequestedPrice,
			&e.ExecutedPrice, &e.StopLoss, &e.TakeProfit, &e.Status, &e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Terminal account queries
// ----------------------------------------

// CreateTerminalAccount stores a terminal account row. Login and password
// are expected to arrive already encrypted.
func (d *Database) CreateTerminalAccount(ctx context.Context, a TerminalAccount) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO terminal_accounts (id, user_id, name, server, login, password, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
	`, a.ID, a.UserID, a.Name, a.Server, a.Login, a.Password)
	if err != nil {
		return fmt.Errorf("insert terminal account: %w", err)
	}
	return nil
}

// ActiveAccountByUser returns the active terminal account for a user.
func (d *Database) ActiveAccountByUser(ctx context.Context, userID string) (*TerminalAccount, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var a TerminalAccount
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, server, login, password, is_active, created_at
		FROM terminal_accounts
		WHERE user_id = ? AND is_active = 1
		LIMIT 1
	`, userID).Scan(&a.ID, &a.UserID, &a.Name, &a.Server, &a.Login, &a.Password, &a.IsActive, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get terminal account: %w", err)
	}
	return &a, nil
}

// ----------------------------------------
// Audit queries
// ----------------------------------------

// InsertAudit writes one audit row immediately (tests and low-volume paths;
// the bridge batches through persistence.BatchWriter).
func (d *Database) InsertAudit(ctx context.Context, e AuditEntry) error {
	_, err := d.DB.ExecContext(ctx, InsertAuditSQL, e.ID, e.UserID, e.Action, e.ResourceID, e.Detail)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAuditByUser returns recent audit rows for a user.
func (d *Database) ListAuditByUser(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, action, resource_id, detail, created_at
		FROM audit_log
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.ResourceID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
