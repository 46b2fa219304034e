package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"orderLifecycleBot/internal/adapters/logger"
	"orderLifecycleBot/internal/app"
	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

const consoleHelp = `commands:
  signal SYMBOL BUY|SELL PRICE [ATR] [EDGE_BPS]  submit an entry signal
  tick SYMBOL PRICE                              feed a price to trailing and risk
  start | stop                                   resume or halt new entries
  estop [REASON]                                 emergency stop and flatten
  close SYMBOL                                   close the open trade on SYMBOL
  force LEVEL [REASON]                           force a risk level
  clear                                          clear a forced risk level
  reconcile                                      run reconciliation now
  status                                         show service state
  quit                                           shut down`

var errQuit = errors.New("quit")

// console is the operator command surface read from stdin.
type console struct {
	svc    *app.TradingService
	out    io.Writer
	logger ports.Logger
	now    func() time.Time
}

func newConsole(svc *app.TradingService, out io.Writer, log ports.Logger) *console {
	return &console{svc: svc, out: out, logger: log, now: time.Now}
}

// Run reads commands until EOF, quit or ctx ends. It reports whether the
// operator asked to quit.
func (c *console) Run(ctx context.Context, in io.Reader) bool {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return true
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]
	// Everything logged while serving the command carries its name.
	ctx = logger.WithFields(ctx, map[string]interface{}{"command": cmd})
	c.logger.Debug(ctx, "Operator command", map[string]interface{}{"args": args})

	switch cmd {
	case "signal":
		return c.signal(ctx, args)
	case "tick":
		if len(args) != 2 {
			return fmt.Errorf("usage: tick SYMBOL PRICE")
		}
		price, err := positive(args[1], "price")
		if err != nil {
			return err
		}
		c.svc.Tick(ctx, strings.ToUpper(args[0]), price, c.now())
		return nil
	case "start":
		c.svc.StartTrading(ctx)
		fmt.Fprintln(c.out, "trading enabled")
		return nil
	case "stop":
		if err := c.svc.StopTrading(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "trading disabled")
		return nil
	case "estop":
		reason := strings.Join(args, " ")
		if reason == "" {
			reason = "operator"
		}
		if err := c.svc.EmergencyStop(ctx, reason); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "emergency stop complete")
		return nil
	case "close":
		if len(args) != 1 {
			return fmt.Errorf("usage: close SYMBOL")
		}
		closed, err := c.svc.CloseSymbol(ctx, strings.ToUpper(args[0]))
		if err != nil {
			return err
		}
		if !closed {
			fmt.Fprintln(c.out, "no open trade")
			return nil
		}
		fmt.Fprintln(c.out, "closed")
		return nil
	case "force":
		if len(args) < 1 {
			return fmt.Errorf("usage: force LEVEL [REASON]")
		}
		level, ok := domain.ParseRiskLevel(args[0])
		if !ok {
			return fmt.Errorf("unknown risk level %q", args[0])
		}
		reason := strings.Join(args[1:], " ")
		if reason == "" {
			reason = "operator"
		}
		c.svc.ForceRisk(ctx, level, reason)
		fmt.Fprintf(c.out, "risk forced to %s\n", level)
		return nil
	case "clear":
		c.svc.ClearRiskOverride(ctx)
		fmt.Fprintln(c.out, "risk override cleared")
		return nil
	case "reconcile":
		rep, err := c.svc.RunReconciliation(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "reconciled %d symbols in %s: %d corrections, %d errors\n",
			len(rep.Symbols), rep.Duration.Round(time.Millisecond), rep.Corrections(), len(rep.Errors))
		for _, a := range rep.Actions {
			fmt.Fprintf(c.out, "  %s %s %s %s\n", a.Kind, a.Symbol, a.TradeID, a.Detail)
		}
		return nil
	case "status":
		c.printStatus(c.svc.Status(ctx))
		return nil
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
		return nil
	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

func (c *console) signal(ctx context.Context, args []string) error {
	if len(args) < 3 || len(args) > 5 {
		return fmt.Errorf("usage: signal SYMBOL BUY|SELL PRICE [ATR] [EDGE_BPS]")
	}
	side := domain.OrderSide(strings.ToUpper(args[1]))
	if !side.Valid() {
		return fmt.Errorf("unknown side %q", args[1])
	}
	price, err := positive(args[2], "price")
	if err != nil {
		return err
	}
	sig := domain.Signal{Symbol: strings.ToUpper(args[0]), Side: side, Price: price, Time: c.now()}
	if len(args) > 3 {
		if sig.ATR, err = positive(args[3], "atr"); err != nil {
			return err
		}
	}
	if len(args) > 4 {
		if sig.ExpectedEdgeBps, err = strconv.ParseFloat(args[4], 64); err != nil {
			return fmt.Errorf("invalid edge %q", args[4])
		}
	}

	res, err := c.svc.SubmitSignal(ctx, sig)
	if err != nil {
		return err
	}
	switch {
	case res.Duplicate:
		fmt.Fprintf(c.out, "duplicate of %s\n", res.TradeID)
	case res.Blocked:
		fmt.Fprintf(c.out, "blocked by %s: %s\n", res.Decision.Guard, res.Decision.Reason)
	default:
		fmt.Fprintf(c.out, "opened %s qty=%g stop=%g target=%g\n", res.TradeID, res.Quantity, res.Plan.StopLoss, res.Plan.TakeProfit)
	}
	return nil
}

func (c *console) printStatus(st app.Status) {
	fmt.Fprintf(c.out, "trading=%t risk=%s halted=%t manual=%t\n", st.Trading, st.RiskLevel, st.Halted, st.Manual)
	if len(st.Reasons) > 0 {
		fmt.Fprintf(c.out, "reasons: %s\n", strings.Join(st.Reasons, ", "))
	}
	if !st.LastReconcile.IsZero() {
		fmt.Fprintf(c.out, "last reconcile %s, %d corrections\n", st.LastReconcile.Format(time.RFC3339), st.Corrections)
	}
	if st.LastReason != "" {
		fmt.Fprintf(c.out, "last failure %s: %s\n", st.LastReasonTime.Format(time.RFC3339), st.LastReason)
	}
	if st.Latency.Count > 0 {
		fmt.Fprintf(c.out, "entry latency mean=%.3fs p95=%.3fs, slippage mean=%.1fbps p95=%.1fbps (%d fills)\n",
			st.Latency.Mean, st.Latency.P95, st.Slippage.Mean, st.Slippage.P95, st.Slippage.Count)
	}
	if len(st.OpenTrades) == 0 {
		fmt.Fprintln(c.out, "no open trades")
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tSTATE\tSIZE\tREMAINING\tENTRY\tSTOP\tTARGET\tUPNL\tERROR")
	for _, t := range st.OpenTrades {
		upnl := "-"
		if t.Mark > 0 {
			upnl = strconv.FormatFloat(t.Unrealized, 'f', 2, 64)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%g\t%g\t%g\t%g\t%s\t%s\n",
			t.ID, t.Symbol, t.Side, t.State, t.Size, t.Remaining, t.Entry, t.Stop, t.Target, upnl, t.LastError)
	}
	w.Flush()
}

func positive(s, name string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}
