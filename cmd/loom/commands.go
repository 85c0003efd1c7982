package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the HTTP gateway.
func buildServeCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Run the loom HTTP gateway.

The gateway serves the REST API under /v1, streams generation events over
SSE and WebSocket, and exposes /healthz and /metrics. It shuts down
gracefully on SIGINT or SIGTERM.`,
		Example: `  loom serve
  loom serve --config loom.yaml
  loom serve --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Force debug-level logging")
	return cmd
}

// buildChatCmd creates the "chat" command for the interactive REPL.
func buildChatCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "chat [conversation]",
		Short: "Chat interactively from the terminal",
		Long: `Start an interactive chat session.

With no argument a fresh conversation is created. Passing a conversation
(by id, title, filename, or 1-based listing index) resumes it where it was
left, including the active branch.

Inside the session, lines starting with "/" are commands; /help lists them.
Ctrl-C interrupts a running generation, Ctrl-D or /quit ends the session.`,
		Example: `  loom chat
  loom chat "Project Notes"
  loom chat 1 --config loom.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identifier := ""
			if len(args) > 0 {
				identifier = args[0]
			}
			return runChat(cmd, identifier, title)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Title for a freshly created conversation")
	return cmd
}

// buildConversationsCmd creates the "conversations" command group.
func buildConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
		Long: `Manage the conversation store.

Conversations are addressed by id, filename, title, or their 1-based index
in the listing, checked in that order.`,
	}
	cmd.AddCommand(
		buildConversationsListCmd(),
		buildConversationsShowCmd(),
		buildConversationsRenameCmd(),
		buildConversationsDuplicateCmd(),
		buildConversationsDeleteCmd(),
		buildConversationsExportCmd(),
	)
	return cmd
}

func buildConversationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsList(cmd)
		},
	}
}

func buildConversationsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation>",
		Short: "Print a conversation's active branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsShow(cmd, args[0])
		},
	}
}

func buildConversationsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <conversation> <new-title>",
		Short: "Rename a conversation",
		Long: `Rename a conversation.

The stored filename follows the title, so the file is rewritten under its
new name and the old file is removed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsRename(cmd, args[0], args[1])
		},
	}
}

func buildConversationsDuplicateCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "duplicate <conversation>",
		Short: "Copy a conversation under a new identity",
		Long: `Copy a conversation, its full branch tree included, under a fresh id.

Without --title the copy is named "<source title> (Copy)".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsDuplicate(cmd, args[0], title)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Title for the copy")
	return cmd
}

func buildConversationsDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <conversation>",
		Short: "Delete a conversation file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsDelete(cmd, args[0], force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}

func buildConversationsExportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export <conversation>",
		Short: "Export the active branch as Markdown",
		Example: `  loom conversations export "Project Notes"
  loom conversations export 1 --out notes.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsExport(cmd, args[0], outPath)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write to a file instead of stdout")
	return cmd
}

// buildModelsCmd creates the "models" command.
func buildModelsCmd() *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models a provider advertises",
		Example: `  loom models
  loom models --provider openai`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, providerName)
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "Provider to query (default: the configured provider)")
	return cmd
}
