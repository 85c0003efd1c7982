package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/orchestrator"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/session"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/pkg/models"
)

// repl is one interactive chat session bound to a terminal.
type repl struct {
	sess *session.Session
	orch *orchestrator.Orchestrator
	st   *store.FileStore
	in   *bufio.Reader
	out  io.Writer
}

// runChat wires the engine for a terminal session and runs the REPL.
func runChat(cmd *cobra.Command, identifier, title string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lc := cfg.LogConfig()
	if lc.Level == "info" {
		lc.Level = "warn" // keep routine logs out of the transcript
	}
	logger := observability.NewLogger(lc)

	storePath, err := cfg.StorePath()
	if err != nil {
		return err
	}
	st, err := store.NewFileStore(storePath, store.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	provider, err := chatProvider(cfg, logger, reader)
	if err != nil {
		return err
	}

	sess := session.New(st, session.Options{
		Provider:          provider,
		Model:             cfg.Model,
		Params:            providers.Params(cfg.GenerationParams),
		SystemInstruction: cfg.DefaultSystemInstruction,
		Streaming:         cfg.Streaming(),
		QuietSaveDelay:    cfg.Session.QuietSaveDelay,
		Logger:            logger,
	})
	defer sess.Close()

	orch := orchestrator.New(st, orchestrator.Options{
		Logger:          logger,
		QueueSize:       cfg.Orchestrator.QueueSize,
		SubscriberWall:  cfg.Orchestrator.SubscriberWall,
		CompleteTimeout: cfg.Orchestrator.CompleteTimeout,
		MaxAttempts:     cfg.Orchestrator.MaxAttempts,
		RetryDelay:      cfg.Orchestrator.RetryDelay,
	})

	ctx := cmd.Context()
	if identifier != "" {
		conv, err := sess.Open(ctx, identifier)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Resumed %q (%d messages)\n", conv.Metadata.Title, len(conv.Messages))
	} else {
		if strings.TrimSpace(title) == "" {
			title = "Chat " + time.Now().Format("2006-01-02 15:04")
		}
		conv, err := sess.StartConversation(ctx, title)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Started %q\n", conv.Metadata.Title)
	}

	r := &repl{sess: sess, orch: orch, st: st, in: reader, out: out}
	fmt.Fprintf(out, "Provider %s, model %s. Type a message, /help for commands.\n",
		sess.ProviderName(), displayModel(sess))
	return r.loop(ctx)
}

// chatProvider builds the configured driver for an interactive session,
// prompting for a credential when none is configured. Bedrock resolves
// credentials through the AWS default chain and is never prompted for.
func chatProvider(cfg *config.Config, logger *observability.Logger, reader *bufio.Reader) (providers.Provider, error) {
	name := cfg.Provider
	dcfg := cfg.DriverConfig(name)
	dcfg.Logger = logger
	if dcfg.Credential == "" && name != "bedrock" {
		fmt.Printf("No credential configured for %s (set %s or add it to the config).\n",
			name, config.CredentialEnv(name))
		dcfg.Credential = promptPassword(reader, fmt.Sprintf("%s API key", name))
	}
	return providers.Create(name, dcfg)
}

// promptPassword reads a secret without echo when stdin is a terminal,
// falling back to a plain line read otherwise.
func promptPassword(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, _ := reader.ReadString('\n')
	return strings.TrimSpace(text)
}

func displayModel(sess *session.Session) string {
	if m := sess.Model(); m != "" {
		return m
	}
	return "(provider default)"
}

// loop reads lines until /quit or EOF. Plain lines become messages, lines
// starting with "/" are commands.
func (r *repl) loop(ctx context.Context) error {
	for {
		fmt.Fprint(r.out, "> ")
		line, err := r.in.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return err
		}
		if trimmed != "" && r.dispatch(ctx, trimmed) {
			return nil
		}
		if eof {
			fmt.Fprintln(r.out)
			return nil
		}
	}
}

// dispatch handles one line and reports whether the session should end.
// Command failures print and keep the REPL alive.
func (r *repl) dispatch(ctx context.Context, line string) bool {
	if strings.HasPrefix(line, "/") {
		quit, err := r.command(ctx, line)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		return quit
	}
	r.send(ctx, line)
	return false
}

// send runs one generation for the given user content.
func (r *repl) send(ctx context.Context, content string) {
	run, err := r.orch.Send(ctx, r.sess, content, nil)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	r.render(run)
}

// render prints a run's event stream. Ctrl-C during the run cancels the
// generation without ending the REPL.
func (r *repl) render(run *orchestrator.Run) {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	done := make(chan struct{})
	defer func() {
		signal.Stop(interrupts)
		close(done)
	}()
	go func() {
		select {
		case <-interrupts:
			r.orch.Cancel(run.ConversationID)
		case <-done:
		}
	}()

	var streamed bool
	for ev := range run.Events {
		switch ev.Type {
		case models.EventChunk:
			if ev.Chunk != nil {
				streamed = true
				fmt.Fprint(r.out, ev.Chunk.Text)
			}
		case models.EventDone:
			if ev.Done != nil && !streamed {
				fmt.Fprint(r.out, ev.Done.FullText)
			}
			fmt.Fprintln(r.out)
			if ev.Done != nil && ev.Done.TokenUsage != nil {
				u := ev.Done.TokenUsage
				fmt.Fprintf(r.out, "(%s: %d prompt + %d completion tokens)\n",
					ev.Done.Model, u.PromptTokens, u.CompletionTokens)
			}
		case models.EventError:
			if streamed {
				fmt.Fprintln(r.out)
			}
			if ev.Error != nil {
				fmt.Fprintf(r.out, "error: %s\n", ev.Error.Message)
				if ev.Error.Retriable {
					fmt.Fprintln(r.out, "(/retry to try again)")
				}
			}
		case models.EventCancelled:
			if streamed {
				fmt.Fprintln(r.out)
			}
			fmt.Fprintln(r.out, "(cancelled)")
		}
	}
}

// command executes one slash command and reports whether to quit.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	name := fields[0]
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, name))

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		r.printHelp()

	case "/new":
		title := rest
		if title == "" {
			title = "Chat " + time.Now().Format("2006-01-02 15:04")
		}
		conv, err := r.sess.StartConversation(ctx, title)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Started %q (%s)\n", conv.Metadata.Title, conv.ID)

	case "/list":
		return false, r.printList(ctx)

	case "/switch":
		if rest == "" {
			return false, errors.New("usage: /switch <id|title|#>")
		}
		conv, err := r.sess.Open(ctx, rest)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Switched to %q (%d messages)\n", conv.Metadata.Title, len(conv.Messages))

	case "/retry":
		id := rest
		if id == "" {
			conv := r.sess.Conversation()
			if conv == nil {
				return false, errors.New("no open conversation")
			}
			id = conv.ActiveLeafID()
		}
		run, err := r.orch.RetryMessage(ctx, r.sess, id)
		if err != nil {
			return false, err
		}
		r.render(run)

	case "/prev", "/next":
		conv := r.sess.Conversation()
		if conv == nil {
			return false, errors.New("no open conversation")
		}
		ev, err := r.orch.Navigate(ctx, r.sess, conv.ActiveLeafID(), strings.TrimPrefix(name, "/"))
		if err != nil {
			return false, err
		}
		r.printNav(ev)

	case "/tree":
		r.printTree()

	case "/model":
		if rest == "" {
			fmt.Fprintf(r.out, "model: %s (provider %s)\n", displayModel(r.sess), r.sess.ProviderName())
			break
		}
		if p := r.sess.Provider(); p != nil && !p.ValidateModel(rest) {
			fmt.Fprintf(r.out, "warning: %q is not a model %s advertises\n", rest, r.sess.ProviderName())
		}
		r.sess.SetModel(rest)
		fmt.Fprintf(r.out, "model set: %s\n", rest)

	case "/system":
		if rest == "" {
			instruction := r.sess.SystemInstruction()
			if instruction == "" {
				fmt.Fprintln(r.out, "no system instruction")
			} else {
				fmt.Fprintf(r.out, "system: %s\n", instruction)
			}
			break
		}
		r.sess.SetSystemInstruction(rest)
		fmt.Fprintln(r.out, "system instruction set (applies from the next message)")

	case "/stream":
		switch rest {
		case "":
			state := "off"
			if r.sess.Streaming() {
				state = "on"
			}
			fmt.Fprintf(r.out, "streaming: %s\n", state)
		case "on":
			r.sess.SetStreaming(true)
			fmt.Fprintln(r.out, "streaming on")
		case "off":
			r.sess.SetStreaming(false)
			fmt.Fprintln(r.out, "streaming off")
		default:
			return false, errors.New("usage: /stream [on|off]")
		}

	case "/params":
		if len(args) == 0 {
			r.printParams()
			break
		}
		for _, kv := range args {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return false, fmt.Errorf("usage: /params key=value ... (got %q)", kv)
			}
			if value == "" {
				r.sess.SetParam(key, nil)
				fmt.Fprintf(r.out, "%s cleared\n", key)
				continue
			}
			parsed := parseParamValue(value)
			r.sess.SetParam(key, parsed)
			fmt.Fprintf(r.out, "%s = %v\n", key, parsed)
		}

	case "/title":
		if rest == "" {
			return false, errors.New("usage: /title <new title>")
		}
		return false, r.retitle(ctx, rest)

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

// retitle renames the open conversation and persists immediately so the
// file moves to its title-derived name.
func (r *repl) retitle(ctx context.Context, title string) error {
	conv := r.sess.Conversation()
	if conv == nil {
		return errors.New("no open conversation")
	}
	var snapshot *models.Conversation
	if err := r.sess.Mutate(func() error {
		conv.Metadata.Title = title
		snapshot = conv.Clone()
		return nil
	}); err != nil {
		return err
	}
	if err := r.st.Save(ctx, snapshot); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Title set: %s\n", title)
	return nil
}

func (r *repl) printHelp() {
	fmt.Fprint(r.out, `Commands:
  /new [title]        start a fresh conversation
  /list               list stored conversations
  /switch <id|#>      open another conversation (id, title, or listing index)
  /retry [message]    regenerate an assistant reply on a new branch
  /prev, /next        cycle between sibling branches at the active leaf
  /tree               print the conversation tree (* marks the active leaf)
  /model [id]         show or change the model
  /system [text]      show or change the system instruction
  /stream [on|off]    show or toggle streaming
  /params [k=v ...]   show or set generation parameters (k= clears)
  /title <text>       rename this conversation
  /quit               leave (Ctrl-D works too)
`)
}

func (r *repl) printList(ctx context.Context) error {
	summaries, err := r.st.List(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(r.out, "No conversations found.")
		return nil
	}
	w := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTITLE\tMESSAGES\tMODEL\tCREATED\tID")
	for i, s := range summaries {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			i+1, s.Title, s.MessageCount, s.Model, s.CreatedAt.Format("2006-01-02 15:04"), s.ID)
	}
	return w.Flush()
}

func (r *repl) printNav(ev *models.Event) {
	if ev == nil || ev.Nav == nil {
		return
	}
	fmt.Fprintf(r.out, "active branch: %s\n", ev.Nav.ActiveBranch)
	if n := len(ev.Nav.History); n > 0 {
		last := ev.Nav.History[n-1]
		fmt.Fprintf(r.out, "[%s] %s\n", last.Role, graph.Preview(last.Content))
	}
}

func (r *repl) printTree() {
	conv := r.sess.Conversation()
	if conv == nil {
		fmt.Fprintln(r.out, "No open conversation.")
		return
	}
	root := conv.Root()
	if root == nil {
		fmt.Fprintln(r.out, "Conversation has no messages.")
		return
	}
	r.printTreeNode(conv, root, 0)
}

func (r *repl) printTreeNode(conv *models.Conversation, node *models.Message, depth int) {
	marker := "  "
	if conv.ActiveLeafID() == node.ID {
		marker = "* "
	}
	fmt.Fprintf(r.out, "%s%s[%s] %s  id=%s branch=%s\n",
		strings.Repeat("  ", depth), marker, node.Role, graph.Preview(node.Content), node.ID, node.BranchID)
	for _, childID := range node.Children {
		if child := conv.Message(childID); child != nil {
			r.printTreeNode(conv, child, depth+1)
		}
	}
}

func (r *repl) printParams() {
	params := r.sess.Params()
	if len(params) == 0 {
		fmt.Fprintln(r.out, "no generation parameters set")
		return
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.out, "%s = %v\n", k, params[k])
	}
}

// parseParamValue converts a /params literal: int, then float, then bool,
// then plain string.
func parseParamValue(raw string) any {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
