package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/umindsales/magus/internal/session"
)

const consoleHelp = `commands:
  /start [topic]  start a conversation, grounded on topic when given
  /stop           end the conversation
  /mute           toggle playback
  /interrupt      stop the reply being spoken
  /status         print the current status
  /quit           exit
anything else is sent as a message`

// runConsole reads commands line by line until the input ends, ctx is
// cancelled or the user quits. It reports whether the user asked to quit.
func (a *App) runConsole(ctx context.Context) bool {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			slog.Warn("app: console input", "err", err)
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
			if a.handleLine(ctx, line) {
				return true
			}
		}
	}
}

// handleLine runs one console line and reports whether it was /quit.
func (a *App) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		a.printf("%s\n", consoleHelp)
	case "/start":
		if err := a.StartConversation(ctx, arg); err != nil {
			a.printf("! %s\n", describe(err))
		}
	case "/stop":
		a.orch.StopConversation()
	case "/mute":
		if a.orch.ToggleMute() {
			a.printf("· muted\n")
		} else {
			a.printf("· unmuted\n")
		}
	case "/interrupt":
		a.orch.StopSpeaking()
	case "/status":
		a.printf("%s\n", statusLine(a.orch.Status()))
	default:
		if strings.HasPrefix(cmd, "/") {
			a.printf("! unknown command %s (try /help)\n", cmd)
			return false
		}
		if err := a.orch.SendText(ctx, line); err != nil {
			a.printf("! %s\n", describe(err))
		}
	}
	return false
}

// printUpdates prints what changed between consecutive status snapshots.
func (a *App) printUpdates(ctx context.Context) {
	var last session.Status
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-a.orch.Updates():
			if s.State != last.State || s.Attempt != last.Attempt {
				a.printf("· %s\n", statusLine(s))
			}
			if s.Err != nil && s.Err != last.Err {
				a.printf("! %s\n", describe(s.Err))
			}
			if s.Reply != "" && s.Reply != last.Reply && s.Partial == "" {
				a.printf("magus: %s\n", s.Reply)
			}
			last = s
		}
	}
}

func (a *App) printf(format string, args ...any) {
	if a.out == nil {
		return
	}
	fmt.Fprintf(a.out, format, args...)
}

func statusLine(s session.Status) string {
	var b strings.Builder
	b.WriteString(s.State.String())
	if s.Attempt > 0 {
		fmt.Fprintf(&b, " (attempt %d)", s.Attempt)
	}
	if s.Muted {
		b.WriteString(" muted")
	}
	if s.Queued > 0 {
		fmt.Fprintf(&b, " queued=%d", s.Queued)
	}
	return b.String()
}

// describe renders err for a person.
func describe(err error) string {
	if errors.Is(err, session.ErrAlreadyActive) {
		return "a conversation is already running"
	}
	switch session.Kind(err) {
	case session.KindAuth:
		return "sign in required: set backend.access_token"
	case session.KindDevice:
		return "microphone unavailable: " + err.Error()
	case session.KindTimeout:
		return "no reply in time, try again"
	case session.KindState:
		return "no conversation running: type /start"
	default:
		return err.Error()
	}
}
