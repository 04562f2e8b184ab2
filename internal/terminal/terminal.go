// Package terminal runs the chat as a line-oriented REPL.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/comigor/pycoder/internal/agent"
	"github.com/comigor/pycoder/internal/history"
	"github.com/comigor/pycoder/internal/llm"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle     = lipgloss.NewStyle().Faint(true)
)

const helpText = `Commands:
  /key <value>  use your own Groq API key (empty to fall back to the default)
  /history      show the conversation so far
  /reset        start a new conversation
  /help         show this help
  /quit         exit`

// REPL reads questions from in and writes the conversation to out.
type REPL struct {
	in  io.Reader
	out io.Writer

	newController func() *agent.Controller
	ctrl          *agent.Controller
}

// New creates a REPL. newController is called for every new conversation.
func New(in io.Reader, out io.Writer, newController func() *agent.Controller) *REPL {
	return &REPL{in: in, out: out, newController: newController, ctrl: newController()}
}

// Controller returns the controller of the current conversation.
func (r *REPL) Controller() *agent.Controller {
	return r.ctrl
}

// Run processes input until EOF, /quit or ctx cancellation. Cancellation
// returns even while a read is blocked; the reader goroutine is abandoned.
func (r *REPL) Run(ctx context.Context) error {
	fmt.Fprintln(r.out, assistantStyle.Render("DSA AI Coder")+" "+mutedStyle.Render("ask anything about Python, /help for commands"))
	r.warnIfIdle()

	lines, readErr := r.readLines(ctx)
	for {
		fmt.Fprint(r.out, userStyle.Render("> "))

		var raw string
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return <-readErr
			}
			raw = l
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(line); quit {
				return nil
			}
			continue
		}
		r.ask(ctx, line)
	}
}

// readLines scans r.in in the background. readErr receives the scanner
// error before lines is closed.
func (r *REPL) readLines(ctx context.Context) (<-chan string, <-chan error) {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	return lines, readErr
}

func (r *REPL) command(line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/key":
		if err := r.ctrl.SetCredential(strings.TrimSpace(arg)); err != nil {
			r.printError(err)
			return false
		}
		if r.ctrl.Ready() {
			fmt.Fprintln(r.out, mutedStyle.Render("API key set."))
		} else {
			r.warnIfIdle()
		}
	case "/history":
		for _, m := range r.ctrl.Messages() {
			r.printMessage(m)
		}
	case "/reset":
		r.ctrl = r.newController()
		fmt.Fprintln(r.out, mutedStyle.Render("Started a new conversation."))
		r.warnIfIdle()
	default:
		fmt.Fprintln(r.out, warnStyle.Render("Unknown command "+name+"."))
		fmt.Fprintln(r.out, helpText)
	}
	return false
}

func (r *REPL) ask(ctx context.Context, text string) {
	if r.ctrl.Ready() {
		fmt.Fprintln(r.out, mutedStyle.Render("thinking..."))
	}
	msg, err := r.ctrl.Submit(ctx, text)
	if err != nil {
		r.printError(err)
		return
	}
	r.printMessage(msg)
}

func (r *REPL) warnIfIdle() {
	if r.ctrl.Ready() {
		return
	}
	if err := r.ctrl.InitError(); err != nil {
		r.printError(err)
		return
	}
	fmt.Fprintln(r.out, warnStyle.Render("No Groq API key configured. Set GROQ_API_KEY or use /key <value>."))
}

func (r *REPL) printMessage(m history.Message) {
	label := userStyle.Render("You:")
	if m.Role == history.RoleAssistant {
		label = assistantStyle.Render("DSA Coder:")
	}
	fmt.Fprintln(r.out, label)
	fmt.Fprintln(r.out, m.Content)
	fmt.Fprintln(r.out)
}

func (r *REPL) printError(err error) {
	var e *llm.Error
	switch {
	case errors.As(err, &e) && e.Kind == llm.KindMissingCredential:
		fmt.Fprintln(r.out, warnStyle.Render("Please set a valid Groq API key with /key <value>."))
	case errors.As(err, &e) && e.Kind == llm.KindInitialization:
		fmt.Fprintln(r.out, errorStyle.Render("Error initializing the Groq client: "+err.Error()))
	case errors.As(err, &e) && e.Kind == llm.KindRequest:
		fmt.Fprintln(r.out, errorStyle.Render("Error connecting to the Groq API: "+err.Error()))
	default:
		fmt.Fprintln(r.out, warnStyle.Render(err.Error()))
	}
}
