// Command arborctl is an operator tool for a SQLite-backed arbor deployment:
// it mints development tokens, bootstraps chats and prints chat trees.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/arbor/backend/internal/service/tree"
)

var (
	// Global flags.
	flagDB   string
	flagJSON bool
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "arborctl",
		Short:         "Operate an arbor conversation store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	dbDefault := os.Getenv("STORE_PATH")
	if dbDefault == "" {
		dbDefault = "./data/arbor.db"
	}
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", dbDefault, "SQLite database path (or STORE_PATH env var)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")

	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(treeCmd())
	return rootCmd
}

func tokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a development JWT for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := mintToken(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("AUTH_SECRET"), "HS256 signing secret (or AUTH_SECRET env var)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Manage chats",
	}

	var (
		owner    string
		agentID  string
		title    string
		rootText string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a chat with its root message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(func(store tree.Store) error {
				return createChat(cmd.Context(), cmd.OutOrStdout(), store, owner, agentID, title, rootText)
			})
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "Owner user id")
	create.Flags().StringVar(&agentID, "agent", "assistant", "Agent profile id")
	create.Flags().StringVar(&title, "title", "", "Chat title")
	create.Flags().StringVar(&rootText, "root", "", "Root message text")
	_ = create.MarkFlagRequired("owner")
	_ = create.MarkFlagRequired("root")

	list := &cobra.Command{
		Use:   "list <owner>",
		Short: "List the chats of an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store tree.Store) error {
				return listChats(cmd.Context(), cmd.OutOrStdout(), store, args[0])
			})
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func treeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Inspect conversation trees",
	}
	var depth int
	printCmd := &cobra.Command{
		Use:   "print <chat-id>",
		Short: "Print a chat tree, children in insertion order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store tree.Store) error {
				return printTree(cmd.Context(), cmd.OutOrStdout(), store, args[0], depth)
			})
		},
	}
	printCmd.Flags().IntVar(&depth, "depth", 0, "Maximum depth to print (0 = unlimited)")
	cmd.AddCommand(printCmd)
	return cmd
}

func withStore(fn func(tree.Store) error) error {
	store, err := tree.NewSQLiteStore(flagDB, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("open %s: %w", flagDB, err)
	}
	defer store.Close()
	return fn(store)
}
