package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"execbridge/internal/events"
	"execbridge/internal/persistence"
	"execbridge/internal/protocol"
	"execbridge/pkg/crypto"
	"execbridge/pkg/db"
	"execbridge/pkg/instruments"
)

var (
	ErrSignalNotFound     = errors.New("signal not found")
	ErrSignalExpired      = errors.New("signal expired")
	ErrSignalNotActive    = errors.New("signal is not active")
	ErrMissingCredentials = errors.New("no terminal credentials on file")
	ErrDuplicateExecution = errors.New("signal already has a pending execution")
)

// Dispatcher delivers messages to terminal links. Satisfied by Hub; tests
// substitute a fake.
type Dispatcher interface {
	Connected(accountID string) bool
	Send(accountID string, msg protocol.Message) error
	Request(accountID string, msg protocol.Message, timeout time.Duration) (protocol.Message, error)
}

// Service orchestrates signal execution: record keeping, dispatch over
// the hub, response correlation and the audit trail.
type Service struct {
	store          *db.Database
	dispatch       Dispatcher
	audit          *persistence.AuditWriter
	catalog        *instruments.Catalog
	enc            *crypto.Encryptor
	bus            *events.Bus
	requestTimeout time.Duration
}

// NewService wires the execution service.
func NewService(store *db.Database, dispatch Dispatcher, audit *persistence.AuditWriter,
	catalog *instruments.Catalog, enc *crypto.Encryptor, bus *events.Bus, requestTimeout time.Duration) *Service {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &Service{
		store:          store,
		dispatch:       dispatch,
		audit:          audit,
		catalog:        catalog,
		enc:            enc,
		bus:            bus,
		requestTimeout: requestTimeout,
	}
}

// ExecuteSignal validates a stored signal, creates its execution record
// and forwards an execute_order to the owning terminal. When the terminal
// is unreachable the record is created and immediately marked failed; the
// call never blocks waiting for connectivity.
func (s *Service) ExecuteSignal(ctx context.Context, userID, signalID string, riskPercent float64) (*db.Execution, error) {
	sig, err := s.store.GetSignal(ctx, userID, signalID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSignalNotFound, signalID)
	}
	if err != nil {
		return nil, err
	}
	if sig.Status != db.SignalActive {
		return nil, fmt.Errorf("%w: status=%s", ErrSignalNotActive, sig.Status)
	}
	if sig.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrSignalExpired, signalID)
	}

	account, err := s.store.ActiveAccountByUser(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrMissingCredentials
	}
	if err != nil {
		return nil, err
	}
	// Credentials are held encrypted; a row that cannot decrypt is as
	// useless as a missing one.
	if _, err := s.enc.Decrypt(account.Login); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingCredentials, err)
	}
	if _, err := s.enc.Decrypt(account.Password); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingCredentials, err)
	}

	if existing, err := s.store.ActiveExecutionForSignal(ctx, signalID); err == nil {
		return nil, fmt.Errorf("%w: execution=%s", ErrDuplicateExecution, existing.ID)
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	lot := s.sizeForSignal(ctx, sig, account.ID, riskPercent)

	exec := db.Execution{
		ID:             uuid.NewString(),
		SignalID:       sig.ID,
		UserID:         userID,
		AccountID:      account.ID,
		Lot:            lot,
		RequestedPrice: sig.Entry,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		Status:         db.ExecPending,
	}
	// The lookup above is a fast path; the pending unique index closes
	// the race between concurrent calls for the same signal.
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, fmt.Errorf("%w: signal=%s", ErrDuplicateExecution, sig.ID)
		}
		return nil, err
	}
	s.auditEntry(userID, "execute_signal", exec.ID,
		fmt.Sprintf("signal=%s symbol=%s lot=%.2f risk=%.2f%%", sig.ID, sig.Symbol, lot, riskPercent))
	if s.bus != nil {
		s.bus.Publish(events.EventExecutionSubmitted, exec.ID)
	}

	order := protocol.New(protocol.TypeExecuteOrder)
	order.ExecutionID = exec.ID
	order.SignalID = sig.ID
	order.AccountID = account.ID
	order.Symbol = sig.Symbol
	order.Direction = sig.Direction
	order.Entry = sig.Entry
	order.StopLoss = sig.StopLoss
	order.TakeProfit = sig.TakeProfit
	order.Lot = lot
	order.ExpiresAt = sig.ExpiresAt

	if err := s.dispatch.Send(account.ID, order); err != nil {
		reason := fmt.Sprintf("terminal unreachable: %v", err)
		if _, markErr := s.store.MarkFailed(ctx, exec.ID, reason); markErr != nil {
			log.Printf("service: mark failed after dispatch error: %v", markErr)
		}
		exec.Status = db.ExecFailed
		exec.Notes = reason
		s.auditEntry(userID, "execution_failed", exec.ID, reason)
		if s.bus != nil {
			s.bus.Publish(events.EventExecutionFailed, exec.ID)
			s.bus.Publish(events.EventExecutionRejected, reason)
		}
		return &exec, nil
	}

	log.Printf("service: dispatched execution=%s signal=%s to account=%s", exec.ID, sig.ID, account.ID)
	return &exec, nil
}

// sizeForSignal computes the lot deterministically from the signal's
// entry/stop distance and the requested risk amount. When the balance
// cannot be pulled inside the request timeout, sizing is delegated to
// the agent by sending lot 0.
func (s *Service) sizeForSignal(ctx context.Context, sig *db.Signal, accountID string, riskPercent float64) float64 {
	if riskPercent <= 0 {
		return 0
	}
	inst, err := s.catalog.Get(sig.Symbol)
	if err != nil {
		return 0
	}
	if !s.dispatch.Connected(accountID) {
		return 0
	}

	info, err := s.dispatch.Request(accountID, protocol.New(protocol.TypeAccountInfoRequest), s.requestTimeout)
	if err != nil || info.Balance <= 0 {
		log.Printf("service: balance pull failed for account=%s, delegating sizing to agent: %v", accountID, err)
		return 0
	}

	stopDistance := sig.Entry - sig.StopLoss
	if stopDistance < 0 {
		stopDistance = -stopDistance
	}
	return instruments.LotForRisk(inst, info.Balance*riskPercent/100, stopDistance)
}

// CloseSignal forwards a close_signal for the signal's open execution.
func (s *Service) CloseSignal(ctx context.Context, userID, signalID string) error {
	exec, err := s.store.LatestExecutedForSignal(ctx, signalID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: no open execution for signal %s", ErrSignalNotFound, signalID)
	}
	if err != nil {
		return err
	}
	if exec.UserID != userID {
		return fmt.Errorf("%w: %s", ErrSignalNotFound, signalID)
	}

	msg := protocol.New(protocol.TypeCloseSignal)
	msg.SignalID = signalID
	msg.ExecutionID = exec.ID
	if err := s.dispatch.Send(exec.AccountID, msg); err != nil {
		return err
	}
	s.auditEntry(userID, "close_signal", exec.ID, fmt.Sprintf("signal=%s", signalID))
	return nil
}

// CloseAll forwards a close_all to the user's terminal.
func (s *Service) CloseAll(ctx context.Context, userID string) error {
	account, err := s.store.ActiveAccountByUser(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return ErrMissingCredentials
	}
	if err != nil {
		return err
	}

	if err := s.dispatch.Send(account.ID, protocol.New(protocol.TypeCloseAll)); err != nil {
		return err
	}
	s.auditEntry(userID, "close_all", account.ID, "")
	return nil
}

// AccountInfo pulls a live account snapshot from the user's terminal.
func (s *Service) AccountInfo(ctx context.Context, userID string) (protocol.Message, error) {
	account, err := s.store.ActiveAccountByUser(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return protocol.Message{}, ErrMissingCredentials
	}
	if err != nil {
		return protocol.Message{}, err
	}
	return s.dispatch.Request(account.ID, protocol.New(protocol.TypeAccountInfoRequest), s.requestTimeout)
}

// HandleTerminalMessage correlates asynchronous terminal responses back
// to execution records. Status updates apply exactly once: a second
// response for an already-terminal record is logged and ignored.
func (s *Service) HandleTerminalMessage(accountID string, msg protocol.Message) {
	ctx := context.Background()

	switch msg.Type {
	case protocol.TypeOrderExecuted:
		applied, err := s.store.MarkExecuted(ctx, msg.ExecutionID, msg.Ticket, msg.Price)
		if err != nil {
			log.Printf("service: mark executed failed execution=%s: %v", msg.ExecutionID, err)
			return
		}
		if !applied {
			log.Printf("service: ignoring duplicate order_executed for execution=%s", msg.ExecutionID)
			return
		}
		log.Printf("service: execution=%s executed ticket=%d price=%.5f", msg.ExecutionID, msg.Ticket, msg.Price)
		s.auditEntry(s.userForExecution(ctx, msg.ExecutionID), "execution_executed", msg.ExecutionID,
			fmt.Sprintf("ticket=%d price=%.5f lot=%.2f", msg.Ticket, msg.Price, msg.Lot))
		if s.bus != nil {
			s.bus.Publish(events.EventExecutionExecuted, msg.ExecutionID)
		}

	case protocol.TypeOrderFailed:
		applied, err := s.store.MarkFailed(ctx, msg.ExecutionID, msg.Reason)
		if err != nil {
			log.Printf("service: mark failed failed execution=%s: %v", msg.ExecutionID, err)
			return
		}
		if !applied {
			log.Printf("service: ignoring duplicate order_failed for execution=%s", msg.ExecutionID)
			return
		}
		log.Printf("service: execution=%s failed: %s", msg.ExecutionID, msg.Reason)
		s.auditEntry(s.userForExecution(ctx, msg.ExecutionID), "execution_failed", msg.ExecutionID, msg.Reason)
		if s.bus != nil {
			s.bus.Publish(events.EventExecutionFailed, msg.ExecutionID)
			s.bus.Publish(events.EventExecutionRejected, msg.Reason)
		}

	case protocol.TypeSignalResult:
		s.handleSignalResult(ctx, msg)

	default:
		log.Printf("service: unhandled terminal message %q from account=%s", msg.Type, accountID)
	}
}

// handleSignalResult processes close confirmations.
func (s *Service) handleSignalResult(ctx context.Context, msg protocol.Message) {
	if !msg.Success {
		log.Printf("service: terminal reported failure for execution=%s: %s", msg.ExecutionID, msg.Reason)
		return
	}
	if msg.SignalID == "" {
		return
	}

	exec, err := s.store.LatestExecutedForSignal(ctx, msg.SignalID)
	if errors.Is(err, db.ErrNotFound) {
		log.Printf("service: close result for unknown signal=%s", msg.SignalID)
		return
	}
	if err != nil {
		log.Printf("service: close result lookup failed signal=%s: %v", msg.SignalID, err)
		return
	}

	applied, err := s.store.MarkClosed(ctx, exec.ID, fmt.Sprintf("closed at %.5f", msg.Price))
	if err != nil {
		log.Printf("service: mark closed failed execution=%s: %v", exec.ID, err)
		return
	}
	if !applied {
		log.Printf("service: ignoring duplicate close for execution=%s", exec.ID)
		return
	}
	s.auditEntry(exec.UserID, "execution_closed", exec.ID, fmt.Sprintf("price=%.5f", msg.Price))
	if s.bus != nil {
		s.bus.Publish(events.EventExecutionClosed, exec.ID)
	}
}

func (s *Service) userForExecution(ctx context.Context, executionID string) string {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return ""
	}
	return exec.UserID
}

func (s *Service) auditEntry(userID, action, resourceID, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(db.AuditEntry{
		UserID:     userID,
		Action:     action,
		ResourceID: resourceID,
		Detail:     detail,
	})
}
