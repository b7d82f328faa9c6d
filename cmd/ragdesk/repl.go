package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	chatmodel "github.com/zhouzirui/ragdesk/internal/model/chat"
	docmodel "github.com/zhouzirui/ragdesk/internal/model/document"
	sessionmodel "github.com/zhouzirui/ragdesk/internal/model/session"
	"github.com/zhouzirui/ragdesk/internal/orchestrator"
	sessionservice "github.com/zhouzirui/ragdesk/internal/service/session"
)

// Client is what the prompt drives.
type Client interface {
	Login(ctx context.Context, username, password string) (sessionmodel.Session, error)
	Logout()
	Refresh(ctx context.Context) ([]docmodel.Document, error)
	Upload(ctx context.Context, files []docmodel.FileBlob) error
	Delete(ctx context.Context, name string) error
	ClearAll(ctx context.Context) error
	Ask(ctx context.Context, question string) (chatmodel.Turn, error)
	State() orchestrator.State
	AllowedExtensions() []string
}

// REPL is the interactive prompt.
type REPL struct {
	app      Client
	in       io.Reader
	out      io.Writer
	readFile func(string) ([]byte, error)

	info *color.Color
	good *color.Color
	warn *color.Color
	bad  *color.Color
	dim  *color.Color
}

// NewREPL creates a prompt reading commands from in.
func NewREPL(app Client, in io.Reader, out io.Writer) *REPL {
	return &REPL{
		app:      app,
		in:       in,
		out:      out,
		readFile: os.ReadFile,
		info:     color.New(color.FgCyan),
		good:     color.New(color.FgGreen),
		warn:     color.New(color.FgYellow),
		bad:      color.New(color.FgRed),
		dim:      color.New(color.Faint),
	}
}

const helpText = `Commands:
  /login <user> <password>   sign in
  /logout                    sign out and forget documents and conversation
  /docs                      show the knowledge base
  /refresh                   reload the knowledge base from the server
  /upload <path>...          upload files (%s)
  /delete <name>             remove one document
  /clear                     remove every document and reset the conversation
  /history                   show the conversation
  /help                      show this help
  /quit                      exit
Anything else is sent as a question.
`

// Run reads lines until EOF, /quit or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
		close(lines)
	}()

	r.info.Fprintln(r.out, "ragdesk - ask questions about your documents. Type /help for commands.")
	for {
		r.prompt()
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			if r.Execute(ctx, line) {
				return nil
			}
		}
	}
}

func (r *REPL) prompt() {
	st := r.app.State()
	if st.Session.Authenticated() {
		r.dim.Fprintf(r.out, "%s> ", st.Session.Username)
		return
	}
	r.dim.Fprint(r.out, "> ")
}

// Execute runs one line and reports whether the prompt should exit.
func (r *REPL) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.ask(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintf(r.out, helpText, strings.Join(r.app.AllowedExtensions(), ", "))
	case "/login":
		r.login(ctx, args)
	case "/logout":
		r.app.Logout()
		r.good.Fprintln(r.out, "Logged out.")
	case "/docs":
		r.printDocuments(r.app.State())
	case "/refresh":
		if _, err := r.app.Refresh(ctx); err != nil {
			r.failure(err, "Could not refresh documents")
			return false
		}
		r.printDocuments(r.app.State())
	case "/upload":
		r.upload(ctx, args)
	case "/delete":
		name := strings.TrimSpace(strings.TrimPrefix(line, cmd))
		if err := r.app.Delete(ctx, name); err != nil {
			r.failure(err, "Could not delete")
			return false
		}
		r.printDocuments(r.app.State())
	case "/clear":
		if err := r.app.ClearAll(ctx); err != nil {
			r.failure(err, "Could not clear")
			return false
		}
		r.good.Fprintln(r.out, "Knowledge base and conversation cleared.")
	case "/history":
		r.printHistory(r.app.State().Turns)
	default:
		r.warn.Fprintf(r.out, "Unknown command %s. Type /help.\n", cmd)
	}
	return false
}

func (r *REPL) login(ctx context.Context, args []string) {
	if len(args) != 2 {
		r.warn.Fprintln(r.out, "Usage: /login <user> <password>")
		return
	}
	current, err := r.app.Login(ctx, args[0], args[1])
	if err != nil {
		r.bad.Fprintln(r.out, sessionservice.FailureMessage(err))
		return
	}
	r.good.Fprintf(r.out, "Logged in as %s.\n", current.Username)

	st := r.app.State()
	r.printDocuments(st)
	if len(st.Suggestions) > 0 {
		r.dim.Fprintln(r.out, "Try asking:")
		for _, s := range st.Suggestions {
			r.dim.Fprintf(r.out, "  %s\n", s)
		}
	}
}

func (r *REPL) upload(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		r.warn.Fprintln(r.out, "Usage: /upload <path>...")
		return
	}

	files := make([]docmodel.FileBlob, 0, len(paths))
	for _, path := range paths {
		data, err := r.readFile(path)
		if err != nil {
			r.bad.Fprintf(r.out, "Cannot read %s: %v\n", path, err)
			continue
		}
		files = append(files, docmodel.FileBlob{Name: filepath.Base(path), Data: data})
	}

	accepted, rejected := docmodel.FilterAllowed(files, r.app.AllowedExtensions())
	for _, name := range rejected {
		r.warn.Fprintf(r.out, "Skipping %s: unsupported file type\n", name)
	}
	if len(accepted) == 0 {
		return
	}

	r.info.Fprintf(r.out, "Uploading %d file(s)...\n", len(accepted))
	if err := r.app.Upload(ctx, accepted); err != nil {
		r.failure(err, "Upload failed")
		return
	}
	r.printDocuments(r.app.State())
}

func (r *REPL) ask(ctx context.Context, question string) {
	turn, err := r.app.Ask(ctx, question)
	if err != nil {
		r.failure(err, "Question not sent")
		return
	}
	if turn.Failed {
		r.bad.Fprintln(r.out, turn.Content)
		return
	}
	fmt.Fprintln(r.out, turn.Content)
	if len(turn.Sources) > 0 {
		r.dim.Fprintf(r.out, "Sources: %s\n", strings.Join(turn.Sources, ", "))
	}
}

func (r *REPL) printDocuments(st orchestrator.State) {
	if !st.Session.Authenticated() {
		r.warn.Fprintln(r.out, "Please /login first.")
		return
	}
	if len(st.Documents) == 0 {
		r.dim.Fprintln(r.out, "No documents uploaded yet.")
	}
	for _, doc := range st.Documents {
		fmt.Fprintf(r.out, "  %s ", doc.Name)
		r.dim.Fprintf(r.out, "(%d chunks)\n", doc.ChunkCount)
	}
	if st.Uploading {
		r.info.Fprintln(r.out, "An upload is in progress.")
	}
}

func (r *REPL) printHistory(turns []chatmodel.Turn) {
	if len(turns) == 0 {
		r.dim.Fprintln(r.out, "No messages yet.")
		return
	}
	for _, turn := range turns {
		label := r.info
		if turn.Failed {
			label = r.bad
		}
		label.Fprintf(r.out, "%s: ", turn.Role)
		fmt.Fprintln(r.out, turn.Content)
		if len(turn.Sources) > 0 {
			r.dim.Fprintf(r.out, "  Sources: %s\n", strings.Join(turn.Sources, ", "))
		}
	}
}

func (r *REPL) failure(err error, what string) {
	// a 401 resets the conversation along with the session
	if errors.Is(err, sessionmodel.ErrNotAuthenticated) || !r.app.State().Session.Authenticated() {
		r.warn.Fprintln(r.out, "Please /login first.")
		return
	}
	r.bad.Fprintf(r.out, "%s: %v\n", what, err)
}
