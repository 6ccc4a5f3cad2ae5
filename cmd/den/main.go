// Command den inspects and maintains session memory from the command
// line: summaries, searches, legacy migrations, handoffs, and token
// checks. The agent runtime itself is hosted elsewhere; den operates
// purely on the persisted store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/memory-den/internal/auth"
	"github.com/nidhogg/memory-den/internal/config"
	"github.com/nidhogg/memory-den/internal/handoff"
	"github.com/nidhogg/memory-den/internal/memory"
	"github.com/nidhogg/memory-den/internal/skill"
)

const usage = `Usage: den <command> [args]

Commands:
  summary <session>          print the memory summary for a session
  search <session> <query>   search knowledge items
  migrate <session>          migrate a legacy session.md digest
  handoff <session>          print the stored handoff
  sessions                   list sessions under the base path
  skills [session]           list discovered skills
  token <provider>           resolve an access token (refreshing if needed)
`

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	store := memory.NewStore(cfg.BasePath, logger)
	query := memory.NewQuery(store)

	switch os.Args[1] {
	case "summary":
		requireArgs(3, "den summary <session>")
		if err := printSummary(query, os.Args[2]); err != nil {
			logger.Fatal("summary failed", zap.Error(err))
		}
	case "search":
		requireArgs(4, "den search <session> <query>")
		items, err := query.SearchKnowledge(os.Args[2], os.Args[3])
		if err != nil {
			logger.Fatal("search failed", zap.Error(err))
		}
		for _, item := range items {
			fmt.Printf("[%s] %s\n", item.ID, item.Content)
		}
	case "migrate":
		requireArgs(3, "den migrate <session>")
		migrator := memory.NewMigrator(store, logger)
		if err := migrator.Migrate(os.Args[2]); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		fmt.Println("migrated")
	case "handoff":
		requireArgs(3, "den handoff <session>")
		broker := handoff.NewBroker(store, query, logger)
		if err := printHandoff(broker, os.Args[2]); err != nil {
			logger.Fatal("handoff failed", zap.Error(err))
		}
	case "sessions":
		if err := listSessions(cfg.BasePath); err != nil {
			logger.Fatal("list sessions failed", zap.Error(err))
		}
	case "skills":
		session := ""
		if len(os.Args) > 2 {
			session = os.Args[2]
		}
		for _, s := range skill.Discover(cfg.BasePath, session, logger) {
			fmt.Printf("%-8s %s (%s)\n", s.Scope, s.Name, s.Path)
		}
	case "token":
		requireArgs(3, "den token <provider>")
		if err := printToken(logger, os.Args[2]); err != nil {
			logger.Fatal("token failed", zap.Error(err))
		}
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func requireArgs(n int, usageLine string) {
	if len(os.Args) < n {
		fmt.Fprintln(os.Stderr, "Usage:", usageLine)
		os.Exit(2)
	}
}

func printSummary(query *memory.Query, session string) error {
	summary, err := query.Summarize(session, 0)
	if err != nil {
		return err
	}
	if summary.Empty() {
		fmt.Println("no memory for session", session)
		return nil
	}
	if len(summary.Entities) > 0 {
		fmt.Println("Entities:")
		for _, e := range summary.Entities {
			fmt.Printf("  %s (%s) mentions=%d\n", e.Name, e.Type, e.MentionCount)
		}
	}
	if len(summary.Decisions) > 0 {
		fmt.Println("Decisions:")
		for _, d := range summary.Decisions {
			fmt.Println("  -", d.Content)
		}
	}
	if len(summary.Facts) > 0 {
		fmt.Println("Facts:")
		for _, f := range summary.Facts {
			fmt.Println("  -", f.Content)
		}
	}
	if len(summary.Tasks) > 0 {
		fmt.Println("Tasks:")
		for _, t := range summary.Tasks {
			fmt.Printf("  - [%s] %s\n", t.Status, t.Content)
		}
	}
	return nil
}

func printHandoff(broker *handoff.Broker, session string) error {
	h, err := broker.Snapshot(session)
	if err != nil {
		return err
	}
	if h == nil {
		fmt.Println("no handoff for session", session)
		return nil
	}
	out, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func listSessions(basePath string) error {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "skills" {
			continue
		}
		fmt.Println(entry.Name())
	}
	return nil
}

func printToken(logger *zap.Logger, provider string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	path := envDefault("TOKEN_FILE", filepath.Join(home, ".memory-den", "oauth.json"))
	tokenURL := envDefault("TOKEN_URL", "https://console.anthropic.com/v1/oauth/token")
	clientID := os.Getenv("TOKEN_CLIENT_ID")

	source := auth.NewSource(path, tokenURL, clientID, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	token, err := source.AccessToken(ctx, provider)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
