package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mbocsi/kioskrelay/services"
	"github.com/mbocsi/kioskrelay/session"
	"github.com/mbocsi/kioskrelay/web"
	"github.com/shopspring/decimal"
)

const consoleHelp = `Commands:
  pay <card|bnpl|duitnow_qr|ipp> <amount>   send a payment request
  cancel                                    cancel the transaction in flight
  status                                    show kiosk state
  terminals                                 list connected terminals
  metrics                                   show relay counters
  help                                      show this help
  quit                                      stop the relay
`

// console is the operator's line-oriented menu. While a plan prompt is
// waiting, input lines answer it instead.
type console struct {
	session  *session.Session
	services *services.ServiceContainer
	metrics  web.MetricsSource
	in       io.Reader
	quit     func()

	outMu sync.Mutex
	out   io.Writer

	stop chan struct{}
	once sync.Once

	promptMu     sync.Mutex
	cancelPrompt context.CancelFunc
	answer       chan string
}

func newConsole(s *session.Session, container *services.ServiceContainer, metrics web.MetricsSource, in io.Reader, out io.Writer, quit func()) *console {
	return &console{
		session:  s,
		services: container,
		metrics:  metrics,
		in:       in,
		out:      out,
		quit:     quit,
		stop:     make(chan struct{}),
	}
}

// Start reads commands until stdin closes or Shutdown is called.
func (c *console) Start() error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-c.stop:
				return
			}
		}
	}()

	c.printf("Kiosk %s ready. Type help for commands.\n", c.session.KioskID())
	for {
		select {
		case <-c.stop:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if answer := c.takePrompt(); answer != nil {
				answer <- line
				continue
			}
			c.execute(line)
		}
	}
}

func (c *console) Shutdown() error {
	c.once.Do(func() { close(c.stop) })
	c.promptMu.Lock()
	if c.cancelPrompt != nil {
		c.cancelPrompt()
	}
	c.promptMu.Unlock()
	return nil
}

func (c *console) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	ctx := context.Background()

	switch strings.ToLower(fields[0]) {
	case "pay":
		if len(fields) != 3 {
			c.printf("usage: pay <mode> <amount>\n")
			return
		}
		amount, err := decimal.NewFromString(fields[2])
		if err != nil {
			c.printf("Invalid amount %q\n", fields[2])
			return
		}
		txn, err := c.services.Payment.SendPayment(ctx, services.PaymentRequest{Mode: strings.ToLower(fields[1]), Amount: amount})
		if err != nil {
			c.printf("Payment not sent: %v\n", err)
			return
		}
		c.printf("Sent %s: %s RM %s\n", txn.TxnID, txn.Mode, txn.Amount.StringFixed(2))

	case "cancel":
		if err := c.services.Payment.CancelTransaction(ctx); err != nil {
			c.printf("Cancel failed: %v\n", err)
		}

	case "status":
		status, err := c.services.Payment.Status()
		if err != nil {
			c.printf("Status unavailable: %v\n", err)
			return
		}
		c.printStatus(status)

	case "terminals":
		terminals, err := c.services.Terminal.ListTerminals()
		if err != nil {
			c.printf("Terminals unavailable: %v\n", err)
			return
		}
		if len(terminals) == 0 {
			c.printf("No terminals connected\n")
		}
		for _, t := range terminals {
			c.printf("%s  %s  %s  since %s\n", t.ID, t.Protocol, t.RemoteAddr, t.ConnectedAt.Format("15:04:05"))
		}

	case "metrics":
		if c.metrics == nil {
			c.printf("Metrics are not enabled\n")
			return
		}
		totals, err := c.metrics.Totals(ctx)
		if err != nil {
			c.printf("Metrics unavailable: %v\n", err)
			return
		}
		names := make([]string, 0, len(totals))
		for name := range totals {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.printf("%-28s %d\n", name, totals[name])
		}

	case "help", "?":
		c.printf("%s", consoleHelp)

	case "quit", "exit":
		c.printf("Stopping relay\n")
		if c.quit != nil {
			c.quit()
		}

	default:
		c.printf("Unknown command %q. Type help for commands.\n", fields[0])
	}
}

func (c *console) printStatus(status *services.StatusInfo) {
	bound := "no transport bound"
	if status.Bound {
		bound = "accepting terminals"
	}
	c.printf("Kiosk %s: %s, %s, %d terminal(s)\n", status.KioskID, status.State, bound, status.Terminals)
	if status.Listening {
		c.printf("  listening for the terminal's response\n")
	}
	if txn := status.Transaction; txn != nil {
		c.printf("  in flight: %s %s RM %s\n", txn.TxnID, txn.Mode, txn.Amount.StringFixed(2))
	}
	if out := status.LastOutcome; out != nil {
		c.printf("  last: %s %s %s\n", out.TxnID, out.State, out.Status)
	}
}

// HandleEvent reports session events and starts the plan prompt when the
// terminal offers installments. It runs on session goroutines.
func (c *console) HandleEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventAcknowledged:
		c.printf("%s acknowledged by terminal\n", ev.TxnID)

	case session.EventNoPlans:
		c.printf("%s: terminal offered no installment plans\n", ev.TxnID)

	case session.EventPlansOffered:
		ctx, cancel := context.WithCancel(context.Background())
		c.promptMu.Lock()
		if c.cancelPrompt != nil {
			c.cancelPrompt()
		}
		c.cancelPrompt = cancel
		c.promptMu.Unlock()

		go func() {
			defer cancel()
			err := session.RunPlanSelection(ctx, c.session, c)
			if err != nil && !errors.Is(err, session.ErrPromptAborted) && !errors.Is(err, context.Canceled) && !errors.Is(err, session.ErrNotSelectingPlan) {
				slog.Warn("Plan selection ended", "txn_id", ev.TxnID, "error", err)
				c.printf("Plan selection failed: %v\n", err)
			}
		}()

	case session.EventPlanSelected:
		c.endPrompt()
		c.printf("%s: plan %s sent to terminal\n", ev.TxnID, ev.PlanID)

	case session.EventCompleted, session.EventFailed, session.EventCancelled:
		c.endPrompt()
		if out := ev.Outcome; out != nil {
			line := fmt.Sprintf("%s %s", out.TxnID, strings.ToUpper(out.State.String()))
			if out.Status != "" {
				line += " (" + out.Status + ")"
			}
			if out.AuthorizationCode != "" {
				line += " auth " + out.AuthorizationCode
			}
			if out.CardLast4 != "" {
				line += " card ****" + out.CardLast4
			}
			if out.Message != "" {
				line += ": " + out.Message
			}
			c.printf("%s\n", line)
		}
	}
}

// endPrompt stops a plan prompt the operator no longer needs to answer.
func (c *console) endPrompt() {
	c.promptMu.Lock()
	defer c.promptMu.Unlock()
	if c.cancelPrompt != nil {
		c.cancelPrompt()
		c.cancelPrompt = nil
	}
}

func (c *console) PromptPlan(ctx context.Context, offer session.PlanOffer) (string, error) {
	answer := make(chan string, 1)
	c.promptMu.Lock()
	c.answer = answer
	c.promptMu.Unlock()
	defer func() {
		c.promptMu.Lock()
		if c.answer == answer {
			c.answer = nil
		}
		c.promptMu.Unlock()
	}()

	c.outMu.Lock()
	err := session.RenderPlans(c.out, offer)
	c.outMu.Unlock()
	if err != nil {
		return "", err
	}

	select {
	case line := <-answer:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.stop:
		return "", session.ErrPromptAborted
	}
}

func (c *console) Reject(err error) {
	c.printf("%v\n", err)
}

// takePrompt claims the waiting plan prompt, if any, for the next line.
func (c *console) takePrompt() chan<- string {
	c.promptMu.Lock()
	defer c.promptMu.Unlock()
	answer := c.answer
	c.answer = nil
	return answer
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
