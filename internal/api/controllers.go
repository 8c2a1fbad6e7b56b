package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"execbridge/internal/bridge"
	"execbridge/internal/conn"
	"execbridge/pkg/db"
)

// createSignal registers a signal for the authenticated user. The source
// may supply its own id; one is assigned otherwise.
func (s *Server) createSignal(c *gin.Context) {
	var req struct {
		ID         string    `json:"id"`
		Symbol     string    `json:"symbol"`
		Direction  string    `json:"direction"`
		Entry      float64   `json:"entry"`
		StopLoss   float64   `json:"stop_loss"`
		TakeProfit float64   `json:"take_profit"`
		Confidence float64   `json:"confidence"`
		ExpiresAt  time.Time `json:"expires_at"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.Symbol == "" || (req.Direction != "BUY" && req.Direction != "SELL") {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_FIELDS",
			"error": "symbol and direction (BUY/SELL) are required",
		})
		return
	}
	if req.Entry <= 0 || req.StopLoss <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PRICE",
			"error": "entry and stop_loss must be positive",
		})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	sig := db.Signal{
		ID:         req.ID,
		UserID:     CurrentUserID(c),
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Entry:      req.Entry,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Confidence: req.Confidence,
		ExpiresAt:  req.ExpiresAt,
	}
	if err := s.Store.CreateSignal(c.Request.Context(), sig); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"signal_id": sig.ID})
}

// executeSignal triggers execution of a stored signal.
func (s *Server) executeSignal(c *gin.Context) {
	var req struct {
		SignalID    string  `json:"signal_id"`
		RiskPercent float64 `json:"risk_percent"`
	}
	if err := c.BindJSON(&req); err != nil || req.SignalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "signal_id is required",
		})
		return
	}

	exec, err := s.Service.ExecuteSignal(c.Request.Context(), CurrentUserID(c), req.SignalID, req.RiskPercent)
	if err != nil {
		s.executionError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"lot":          exec.Lot,
		"notes":        exec.Notes,
	})
}

// executionError maps the service's typed errors to HTTP statuses.
func (s *Server) executionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, bridge.ErrSignalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "SIGNAL_NOT_FOUND", "error": err.Error()})
	case errors.Is(err, bridge.ErrSignalExpired):
		c.JSON(http.StatusGone, gin.H{"code": "SIGNAL_EXPIRED", "error": err.Error()})
	case errors.Is(err, bridge.ErrSignalNotActive):
		c.JSON(http.StatusConflict, gin.H{"code": "SIGNAL_NOT_ACTIVE", "error": err.Error()})
	case errors.Is(err, bridge.ErrMissingCredentials):
		c.JSON(http.StatusPreconditionFailed, gin.H{"code": "MISSING_CREDENTIALS", "error": err.Error()})
	case errors.Is(err, bridge.ErrDuplicateExecution):
		c.JSON(http.StatusConflict, gin.H{"code": "DUPLICATE_EXECUTION", "error": err.Error()})
	case errors.Is(err, bridge.ErrTerminalUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "TERMINAL_UNAVAILABLE", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
	}
}

// closeSignal forwards a close for one signal's open position.
func (s *Server) closeSignal(c *gin.Context) {
	var req struct {
		SignalID string `json:"signal_id"`
	}
	if err := c.BindJSON(&req); err != nil || req.SignalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "signal_id is required",
		})
		return
	}

	if err := s.Service.CloseSignal(c.Request.Context(), CurrentUserID(c), req.SignalID); err != nil {
		s.executionError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"signal_id": req.SignalID, "status": "close requested"})
}

// closeAll forwards a close_all to the caller's terminal.
func (s *Server) closeAll(c *gin.Context) {
	if err := s.Service.CloseAll(c.Request.Context(), CurrentUserID(c)); err != nil {
		s.executionError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "close_all requested"})
}

// listExecutions returns the caller's recent execution records.
func (s *Server) listExecutions(c *gin.Context) {
	execs, err := s.Store.ListExecutionsByUser(c.Request.Context(), CurrentUserID(c), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionJSON(e))
	}
	c.JSON(http.StatusOK, gin.H{"executions": out})
}

// getExecution returns one execution record owned by the caller.
func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.Store.GetExecution(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) || (err == nil && exec.UserID != CurrentUserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "execution not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, executionJSON(*exec))
}

func executionJSON(e db.Execution) gin.H {
	return gin.H{
		"id":              e.ID,
		"signal_id":       e.SignalID,
		"ticket":          e.Ticket,
		"lot":             e.Lot,
		"requested_price": e.RequestedPrice,
		"executed_price":  e.ExecutedPrice,
		"status":          e.Status,
		"notes":           e.Notes,
		"created_at":      e.CreatedAt,
	}
}

// getAccount proxies a live account snapshot from the caller's terminal.
func (s *Server) getAccount(c *gin.Context) {
	info, err := s.Service.AccountInfo(c.Request.Context(), CurrentUserID(c))
	switch {
	case errors.Is(err, conn.ErrRequestTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"code": "TERMINAL_TIMEOUT", "error": "terminal did not answer in time"})
		return
	case err != nil:
		s.executionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":        info.Balance,
		"equity":         info.Equity,
		"open_positions": info.OpenPositions,
		"daily_pnl":      info.DailyPnL,
	})
}

// createTerminalAccount stores the caller's terminal credentials,
// encrypted at rest.
func (s *Server) createTerminalAccount(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Server   string `json:"server"`
		Login    string `json:"login"`
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil || req.Login == "" || req.Password == "" || req.Server == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "server, login and password are required",
		})
		return
	}

	login, err := s.Enc.Encrypt(req.Login)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": "failed to encrypt credentials"})
		return
	}
	password, err := s.Enc.Encrypt(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": "failed to encrypt credentials"})
		return
	}

	account := db.TerminalAccount{
		ID:       uuid.NewString(),
		UserID:   CurrentUserID(c),
		Name:     req.Name,
		Server:   req.Server,
		Login:    login,
		Password: password,
	}
	if err := s.Store.CreateTerminalAccount(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account_id": account.ID})
}
