package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/graph"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/pkg/models"
)

// openStore loads the configuration and opens the conversation store. The
// caller owns the returned store and must Close it.
func openStore() (*store.FileStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	storePath, err := cfg.StorePath()
	if err != nil {
		return nil, err
	}
	lc := cfg.LogConfig()
	if lc.Level == "info" {
		lc.Level = "warn"
	}
	return store.NewFileStore(storePath, store.Options{Logger: observability.NewLogger(lc)})
}

func runConversationsList(cmd *cobra.Command) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	summaries, err := st.List(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTITLE\tMESSAGES\tMODEL\tCREATED\tID")
	for i, s := range summaries {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			i+1, s.Title, s.MessageCount, s.Model, s.CreatedAt.Format("2006-01-02 15:04"), s.ID)
	}
	return w.Flush()
}

func runConversationsShow(cmd *cobra.Command, identifier string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	conv, err := st.Load(cmd.Context(), identifier)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	meta := conv.Metadata
	fmt.Fprintf(out, "Title:    %s\n", meta.Title)
	fmt.Fprintf(out, "ID:       %s\n", conv.ID)
	if meta.Model != "" {
		fmt.Fprintf(out, "Model:    %s\n", meta.Model)
	}
	fmt.Fprintf(out, "Branch:   %s\n", meta.ActiveBranch)
	fmt.Fprintf(out, "Created:  %s\n", meta.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:  %s\n", meta.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Messages: %d\n", len(conv.Messages))

	for _, entry := range graph.New(conv).History() {
		fmt.Fprintf(out, "\n[%s] %s\n", entry.Role, entry.Content)
	}
	return nil
}

func runConversationsRename(cmd *cobra.Command, identifier, newTitle string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	conv, err := st.Rename(cmd.Context(), identifier, newTitle)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Renamed to %q (%s)\n", conv.Metadata.Title, conv.ID)
	return nil
}

func runConversationsDuplicate(cmd *cobra.Command, identifier, title string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	conv, err := st.Duplicate(cmd.Context(), identifier, title)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %q (%s)\n", conv.Metadata.Title, conv.ID)
	return nil
}

func runConversationsDelete(cmd *cobra.Command, identifier string, force bool) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// Resolve first so the prompt names what is about to go.
	conv, err := st.Load(cmd.Context(), identifier)
	if err != nil {
		return err
	}
	if !force {
		ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
			fmt.Sprintf("Delete %q (%d messages)? [y/N] ", conv.Metadata.Title, len(conv.Messages)))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}
	if err := st.Delete(cmd.Context(), conv.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %q (%s)\n", conv.Metadata.Title, conv.ID)
	return nil
}

func runConversationsExport(cmd *cobra.Command, identifier, outPath string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	conv, err := st.Load(cmd.Context(), identifier)
	if err != nil {
		return err
	}
	data := exportMarkdown(conv)
	if outPath == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %q to %s\n", conv.Metadata.Title, outPath)
	return nil
}

// confirm reads a yes/no answer. Only "y" and "yes" count as yes.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// exportMarkdown renders the active branch as a Markdown transcript. Other
// branches are not included; navigate first to export an alternate.
func exportMarkdown(conv *models.Conversation) []byte {
	var b strings.Builder
	meta := conv.Metadata
	fmt.Fprintf(&b, "# %s\n\n", meta.Title)
	fmt.Fprintf(&b, "- Created: %s\n", meta.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Updated: %s\n", meta.UpdatedAt.Format(time.RFC3339))
	if meta.Model != "" {
		fmt.Fprintf(&b, "- Model: %s\n", meta.Model)
	}
	fmt.Fprintf(&b, "- Branch: %s\n", meta.ActiveBranch)

	for _, entry := range graph.New(conv).History() {
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", roleHeading(entry.Role), entry.Content)
	}
	return []byte(b.String())
}

func roleHeading(role models.Role) string {
	switch role {
	case models.RoleSystem:
		return "System"
	case models.RoleUser:
		return "User"
	case models.RoleAssistant:
		return "Assistant"
	}
	return string(role)
}
