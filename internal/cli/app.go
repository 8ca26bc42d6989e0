package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keo571/netquery-insight-chat/internal/client"
	"github.com/keo571/netquery-insight-chat/internal/conversation"
	"github.com/keo571/netquery-insight-chat/internal/export"
	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

const helpText = `Commands:
  /analysis            analyze the last result set
  /export [file]       save the cached rows of the last answer as CSV
  /download [file]     save the full dataset of the last answer as CSV
  /feedback up|down [comment]
                       rate the last answer
  /new                 start a new conversation
  /help                show this help
  /quit                leave`

// App runs chat turns against the adapter and prints the replies.
type App struct {
	client                *client.Client
	conv                  *conversation.Conversation
	out                   *Renderer
	includeInterpretation bool
	dir                   string
	now                   func() time.Time
}

// NewApp returns an App talking through c.
func NewApp(c *client.Client, out *Renderer, includeInterpretation bool, logger *slog.Logger) *App {
	return &App{
		client:                c,
		conv:                  conversation.New(c.Sessions(), conversation.WithLogger(logger)),
		out:                   out,
		includeInterpretation: includeInterpretation,
		dir:                   ".",
		now:                   time.Now,
	}
}

// Conversation returns the message list of the current chat.
func (a *App) Conversation() *conversation.Conversation {
	return a.conv
}

// Ask runs one turn and prints the reply. The returned message is the
// agent reply, possibly marked as an error.
func (a *App) Ask(ctx context.Context, question string) (conversation.Message, error) {
	id, err := a.conv.Send(ctx, a.client, protocol.ChatRequest{
		Message:               question,
		IncludeInterpretation: a.includeInterpretation,
	})
	if errors.Is(err, conversation.ErrEmptyMessage) || errors.Is(err, conversation.ErrTurnInProgress) {
		return conversation.Message{}, err
	}
	m, ok := a.conv.Message(id)
	if !ok {
		return conversation.Message{}, fmt.Errorf("reply %d missing", id)
	}
	a.out.Message(m)
	return m, nil
}

// Run reads lines from in until EOF or /quit. Lines starting with "/" are
// commands; everything else is a question.
func (a *App) Run(ctx context.Context, in io.Reader) error {
	a.out.Info("Connected to %s. Type /help for commands.", a.client.BaseURL())
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		a.out.printf("> ")
		if !scanner.Scan() {
			a.out.printf("\n")
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := a.command(ctx, line)
			if err != nil {
				a.out.Error(err.Error())
			}
			if quit {
				return nil
			}
			continue
		}
		if _, err := a.Ask(ctx, line); err != nil {
			a.out.Error(err.Error())
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (a *App) command(ctx context.Context, line string) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		a.out.printf("%s\n\n", helpText)
	case "/new":
		if err := a.conv.Reset(); err != nil {
			return false, err
		}
		a.out.Info("Started a new conversation.")
	case "/analysis":
		return false, a.Analysis(ctx)
	case "/export":
		return false, a.Export(arg)
	case "/download":
		return false, a.Download(ctx, arg)
	case "/feedback":
		kind, comment, _ := strings.Cut(arg, " ")
		return false, a.Feedback(ctx, kind, strings.TrimSpace(comment))
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (a *App) lastAnswer() (conversation.Message, error) {
	m, ok := a.conv.LastAgentMessage()
	if !ok || m.IsError {
		return conversation.Message{}, errors.New("no answer to work with yet")
	}
	return m, nil
}

// Analysis fetches the deferred interpretation of the last answer.
func (a *App) Analysis(ctx context.Context) error {
	m, err := a.lastAnswer()
	if err != nil {
		return err
	}
	if m.QueryID == "" || !m.HasResults() {
		return errors.New("the last answer has no results to analyze")
	}
	if m.AnalysisExplanation != "" {
		a.out.Message(m)
		return nil
	}
	p, err := a.client.Interpret(ctx, m.QueryID)
	if err != nil {
		_, text := conversation.Translate(err)
		return errors.New(text)
	}
	if err := a.conv.AttachInterpretation(m.ID, *p); err != nil {
		return err
	}
	updated, _ := a.conv.Message(m.ID)
	a.out.Message(updated)
	return nil
}

// Export writes the cached rows of the last answer to path, or to a
// timestamped file in the working directory.
func (a *App) Export(path string) error {
	m, err := a.lastAnswer()
	if err != nil {
		return err
	}
	if path == "" {
		path = filepath.Join(a.dir, export.Filename(a.now()))
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := export.WriteCSV(f, m.Results); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		if errors.Is(err, export.ErrNoRows) {
			return errors.New("the last answer has no rows to export")
		}
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	a.out.Info("Saved %d rows to %s", len(m.Results), path)
	return nil
}

// Download saves the full dataset of the last answer.
func (a *App) Download(ctx context.Context, path string) error {
	m, err := a.lastAnswer()
	if err != nil {
		return err
	}
	if m.QueryID == "" {
		return errors.New("the last answer has no query to download")
	}
	tmp, err := os.CreateTemp(a.dir, ".nqchat-download-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	name, err := a.client.Download(ctx, m.QueryID, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_, text := conversation.Translate(err)
		return errors.New(text)
	}
	if path == "" {
		path = filepath.Join(a.dir, filepath.Base(name))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	a.out.Info("Saved full dataset to %s", path)
	return nil
}

// Feedback rates the last answer. kind is "up" or "down".
func (a *App) Feedback(ctx context.Context, kind, comment string) error {
	var typ string
	switch kind {
	case "up", "+":
		typ = protocol.FeedbackThumbsUp
	case "down", "-":
		typ = protocol.FeedbackThumbsDown
	default:
		return errors.New("usage: /feedback up|down [comment]")
	}
	m, err := a.lastAnswer()
	if err != nil {
		return err
	}

	fb := protocol.Feedback{
		Type:         typ,
		QueryID:      m.QueryID,
		UserQuestion: a.questionFor(m.ID),
		SQLQuery:     m.SQL,
		Description:  comment,
		Timestamp:    a.now().UTC().Format(time.RFC3339),
	}
	if _, err := a.client.SubmitFeedback(ctx, fb); err != nil {
		return errors.New(conversation.CategoryFeedback.Message())
	}
	a.out.Info("Thanks for the feedback.")
	return nil
}

// questionFor returns the user message that preceded agent message id.
func (a *App) questionFor(id int64) string {
	question := ""
	for _, m := range a.conv.Messages() {
		if m.ID == id {
			return question
		}
		if m.Role == conversation.RoleUser {
			question = m.Content
		}
	}
	return ""
}
