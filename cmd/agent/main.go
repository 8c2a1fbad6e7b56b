package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/denisbrodbeck/machineid"

	"execbridge/internal/agent"
	"execbridge/internal/conn"
	"execbridge/internal/terminal"
	"execbridge/pkg/config"
	"execbridge/pkg/instruments"
)

// Indicative starting quotes for the simulated terminal. Symbols outside
// this set start unquoted and reject orders until a quote is set.
var simQuotes = map[string][2]float64{
	"EURUSD": {1.0850, 1.0851},
	"GBPUSD": {1.2700, 1.2702},
	"USDJPY": {149.50, 149.52},
	"XAUUSD": {2320.00, 2320.40},
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("agent: config load failed: %v", err)
	}
	if cfg.AccountID == "" {
		log.Fatal("agent: ACCOUNT_ID is required")
	}

	terminalID, err := machineid.ProtectedID("execbridge")
	if err != nil {
		log.Printf("agent: machine id unavailable (%v), using account id", err)
		terminalID = cfg.AccountID
	}

	catalog, err := instruments.Load(cfg.InstrumentFile)
	if err != nil {
		log.Fatalf("agent: instrument catalog load failed: %v", err)
	}

	var term terminal.Terminal
	if cfg.SimTerminal {
		sim := terminal.NewSimulator(cfg.SimInitialBalance)
		for symbol, q := range simQuotes {
			sim.SetQuote(symbol, q[0], q[1])
		}
		term = sim
		log.Printf("agent: simulated terminal, balance %.2f", cfg.SimInitialBalance)
	} else {
		log.Fatal("agent: no live terminal driver configured, set SIM_TERMINAL=true")
	}

	manager := conn.NewManager(conn.Config{
		URL:               cfg.BridgeURL,
		AccountID:         cfg.AccountID,
		TerminalID:        terminalID,
		AuthToken:         cfg.AuthToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnects:     cfg.MaxReconnects,
	})

	a := agent.New(agent.Config{
		RiskPercent:         cfg.RiskPercent,
		MaxDailyRiskPercent: cfg.MaxDailyRiskPercent,
		MaxOpenPositions:    cfg.MaxOpenPositions,
		MaxSpreadPoints:     cfg.MaxSpreadPoints,
		FixedLotMode:        cfg.FixedLotMode,
		FixedLot:            cfg.FixedLot,
		TrailingEnabled:     cfg.TrailingEnabled,
		TrailingDistance:    cfg.TrailingDistance,
		TrailingInterval:    cfg.TrailingInterval,
	}, term, catalog, manager)

	manager.Handler = a.HandleMessage
	manager.OnDown = func() {
		log.Printf("agent: reconnect budget exhausted after %d attempts, manual restart required", cfg.MaxReconnects)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		log.Fatalf("agent: start failed: %v", err)
	}
	if err := manager.Connect(); err != nil {
		// The retry loop is already running; log and wait.
		log.Printf("agent: initial connect failed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("agent: shutting down")
	manager.Close()
}
