// Command coordctl is a thin CLI over the coordination engine API.
//
// Usage:
//
//	coordctl register -type coder -remote git@github.com:acme/widgets.git
//	COORDD_TOKEN=... COORDD_AGENT_ID=... coordctl lock -path src/app.js -type write
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blackswan-labs/coordd/pkg/client"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	baseURL := envOr("COORDD_URL", "http://localhost:8750")
	c := client.New(baseURL,
		client.WithToken(os.Getenv("COORDD_AGENT_ID"), os.Getenv("COORDD_TOKEN")),
		client.WithAdminToken(os.Getenv("COORDD_ADMIN_TOKEN")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	if err := run(ctx, c, cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, "coordctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, cmd string, args []string) error {
	switch cmd {
	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		agentType := fs.String("type", "", "agent type (required)")
		remote := fs.String("remote", "", "git remote origin URL")
		dir := fs.String("dir", "", "working directory")
		branch := fs.String("branch", "", "default branch")
		projectKey := fs.String("project", "", "explicit project key override")
		caps := fs.String("capabilities", "", "comma-separated capabilities")
		fs.Parse(args)

		wd := *dir
		if wd == "" && *remote == "" && *projectKey == "" {
			wd, _ = os.Getwd()
		}

		res, err := c.Register(ctx, client.RegisterOptions{
			AgentType:        *agentType,
			Capabilities:     splitComma(*caps),
			WorkingDirectory: wd,
			RemoteOrigin:     *remote,
			DefaultBranch:    *branch,
			ProjectKey:       *projectKey,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "export COORDD_AGENT_ID=%s\nexport COORDD_TOKEN=%s\n",
			res.Agent.AgentID, res.Token)
		return printJSON(res)

	case "heartbeat":
		fs := flag.NewFlagSet("heartbeat", flag.ExitOnError)
		status := fs.String("status", "active", "agent status: active, idle, busy")
		fs.Parse(args)
		agent, err := c.Heartbeat(ctx, *status)
		if err != nil {
			return err
		}
		return printJSON(agent)

	case "agents":
		agents, summary, err := c.ListAgents(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"agents": agents, "coordination": summary})

	case "lock":
		fs := flag.NewFlagSet("lock", flag.ExitOnError)
		path := fs.String("path", "", "file path (required)")
		lockType := fs.String("type", "write", "lock type: read or write")
		duration := fs.Int64("duration", 0, "lock duration in seconds")
		reason := fs.String("reason", "", "why the lock is needed")
		fs.Parse(args)
		lock, err := c.AcquireLock(ctx, *path, client.LockOptions{
			LockType:        *lockType,
			DurationSeconds: *duration,
			Reason:          *reason,
		})
		if err != nil {
			return err
		}
		return printJSON(lock)

	case "unlock":
		fs := flag.NewFlagSet("unlock", flag.ExitOnError)
		path := fs.String("path", "", "file path (required)")
		fs.Parse(args)
		if err := c.ReleaseLock(ctx, *path); err != nil {
			return err
		}
		fmt.Println("released", *path)
		return nil

	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		path := fs.String("path", "", "file path (required)")
		fs.Parse(args)
		state, err := c.CheckLock(ctx, *path)
		if err != nil {
			return err
		}
		return printJSON(state)

	case "locks":
		locks, err := c.HeldLocks(ctx)
		if err != nil {
			return err
		}
		return printJSON(locks)

	case "remember":
		fs := flag.NewFlagSet("remember", flag.ExitOnError)
		memType := fs.String("type", "episodic", "memory type")
		content := fs.String("content", "", "memory content (required)")
		importance := fs.Int("importance", 0, "importance 1-10")
		tags := fs.String("tags", "", "comma-separated tags")
		fs.Parse(args)
		m, err := c.StoreMemory(ctx, client.StoreMemoryOptions{
			Type:       *memType,
			Content:    *content,
			Importance: *importance,
			Tags:       splitComma(*tags),
		})
		if err != nil {
			return err
		}
		return printJSON(m)

	case "recall":
		fs := flag.NewFlagSet("recall", flag.ExitOnError)
		memType := fs.String("type", "", "filter by memory type")
		tags := fs.String("tags", "", "filter by comma-separated tags")
		minImportance := fs.Int("min-importance", 0, "minimum importance")
		limit := fs.Int("limit", 0, "maximum results")
		summary := fs.Bool("summary", false, "include the project summary")
		fs.Parse(args)
		memories, sum, err := c.QueryMemory(ctx, client.MemoryQuery{
			Type:          *memType,
			Tags:          splitComma(*tags),
			MinImportance: *minImportance,
			Limit:         *limit,
			WithSummary:   *summary,
		})
		if err != nil {
			return err
		}
		out := map[string]any{"memories": memories}
		if sum != nil {
			out["summary"] = sum
		}
		return printJSON(out)

	case "session":
		view, err := c.Session(ctx)
		if err != nil {
			return err
		}
		return printJSON(view)

	case "aggregate":
		fs := flag.NewFlagSet("aggregate", flag.ExitOnError)
		keys := fs.String("projects", "", "comma-separated project keys (required)")
		fs.Parse(args)
		agg, err := c.AggregateMemory(ctx, splitComma(*keys))
		if err != nil {
			return err
		}
		return printJSON(agg)

	case "unregister":
		if err := c.Unregister(ctx); err != nil {
			return err
		}
		fmt.Println("unregistered")
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: coordctl <command> [flags]

commands:
  register    register this agent and print its token
  heartbeat   refresh liveness
  agents      list agents on the project
  lock        acquire a file lock
  unlock      release a file lock
  check       inspect a path's lock state
  locks       list locks held by this agent
  remember    store a memory
  recall      query project memory
  session     show the current session
  aggregate   query memory across projects
  unregister  leave and release everything

environment:
  COORDD_URL          server base URL (default http://localhost:8750)
  COORDD_AGENT_ID     agent ID from register
  COORDD_TOKEN        bearer token from register
  COORDD_ADMIN_TOKEN  operator token, needed for cross-project aggregate`)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
