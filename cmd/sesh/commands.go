package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nvake/sesh/internal/backend"
	"github.com/nvake/sesh/internal/config"
	"github.com/nvake/sesh/internal/export"
	"github.com/nvake/sesh/internal/maintenance"
	"github.com/nvake/sesh/internal/manager"
	"github.com/nvake/sesh/internal/session"
)

// sessionSummary is the JSON shape list-style commands emit. Field
// names follow the backend's wire protocol.
type sessionSummary struct {
	SessionID    string    `json:"session_id"`
	Name         string    `json:"session_name,omitempty"`
	Status       string    `json:"status"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Active       bool      `json:"active,omitempty"`
}

func summarize(sessions []*session.Session, active string) []sessionSummary {
	out := make([]sessionSummary, len(sessions))
	for i, s := range sessions {
		out[i] = sessionSummary{
			SessionID:    s.ID,
			Name:         s.Name,
			Status:       string(s.Status),
			MessageCount: s.MessageCount,
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
			Active:       s.ID == active,
		}
	}
	return out
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.mgr.List(cmd.Context(), limit)
		if err != nil {
			return err
		}
		active := readActiveSession(a.cfg.Storage.DataDir)

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summarize(sessions, active))
		}

		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}

		now := time.Now()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tNAME\tSTATUS\tMSGS\tUPDATED")
		for _, s := range sessions {
			marker := " "
			if s.ID == active {
				marker = "*"
			}
			name := s.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Fprintf(w, "%s %s\t%s\t%s\t%d\t%s\n",
				marker, shortID(s.ID), truncate(name, 40), s.Status,
				s.MessageCount, formatAge(now, s.UpdatedAt))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if limit > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s sessions\n", countLabel(len(sessions), limit))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	listCmd.Flags().Bool("json", false, "emit JSON instead of a table")
	rootCmd.AddCommand(listCmd)
}

// --- new ---

var newCmd = &cobra.Command{
	Use:   "new [name...]",
	Short: "Create a session and make it active",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.Join(args, " ")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.mgr.Create(cmd.Context(), name)
		if err != nil {
			return err
		}

		if err := writeActiveSession(a.cfg.Storage.DataDir, sess.ID); err != nil {
			printWarning("could not persist active session: %v", err)
		}

		printSuccess("Created session %q, now active", sess.Name)
		fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(newCmd)
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a session transcript",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var flagID string
		if len(args) == 1 {
			flagID = args[0]
		}
		id, err := a.resolveSession(flagID)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		sess, err := a.mgr.Get(ctx, id)
		if err != nil {
			return err
		}
		msgs, err := a.mgr.History(ctx, id, limit)
		if err != nil {
			return err
		}
		sess.Messages = msgs

		if asJSON {
			exp, err := export.NewExporter("json")
			if err != nil {
				return err
			}
			return exp.Export(sess, cmd.OutOrStdout())
		}

		out := cmd.OutOrStdout()
		name := sess.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintln(out, colorize(colorBold, name))
		fmt.Fprintf(out, "%s  %s, %d messages, updated %s\n",
			sess.ID, sess.Status, sess.MessageCount,
			sess.UpdatedAt.Local().Format("2006-01-02 15:04"))

		for _, m := range sess.Messages {
			role := string(m.Role)
			switch m.Role {
			case session.RoleUser:
				role = colorize(colorCyan, role)
			case session.RoleAssistant:
				role = colorize(colorGreen, role)
			default:
				role = colorize(colorGray, role)
			}
			stamp := colorize(colorGray, m.Timestamp.Local().Format("15:04"))
			fmt.Fprintf(out, "\n%s %s\n%s\n", role, stamp, m.Content)
		}
		return nil
	},
}

func init() {
	showCmd.Flags().Int("limit", 0, "show only the last N messages (0 = all)")
	showCmd.Flags().Bool("json", false, "emit the session as JSON")
	rootCmd.AddCommand(showCmd)
}

// --- send / stream / append ---

// queryOptions collects the model-tuning flags shared by send and
// stream. Nil when none were set, so the backend's defaults apply.
func queryOptions(cmd *cobra.Command) *backend.QueryOptions {
	model, _ := cmd.Flags().GetString("model")
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	temperature, _ := cmd.Flags().GetFloat64("temperature")

	if model == "" && maxTokens == 0 && temperature == 0 {
		return nil
	}
	return &backend.QueryOptions{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}

func queryFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("session", "s", "", "session id (default: the active session)")
	cmd.Flags().String("model", "", "model override for this query")
	cmd.Flags().Int("max-tokens", 0, "response token cap for this query")
	cmd.Flags().Float64("temperature", 0, "sampling temperature for this query")
}

var sendCmd = &cobra.Command{
	Use:   "send <query...>",
	Short: "Send a query and wait for the full reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionFlag, _ := cmd.Flags().GetString("session")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.resolveSession(sessionFlag)
		if err != nil {
			return err
		}

		reply, err := a.mgr.Send(cmd.Context(), id, strings.Join(args, " "), queryOptions(cmd))
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
		return nil
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream <query...>",
	Short: "Send a query and print the reply as it arrives",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionFlag, _ := cmd.Flags().GetString("session")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.resolveSession(sessionFlag)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		_, err = a.mgr.Stream(ctx, id, strings.Join(args, " "), queryOptions(cmd), func(c session.Chunk) {
			if c.Type.Text() {
				fmt.Fprint(out, c.Content)
			}
		})
		fmt.Fprintln(out)
		return err
	},
}

var appendCmd = &cobra.Command{
	Use:   "append <role> <content...>",
	Short: "Record a message locally without a backend round trip",
	Long: `Record a message locally without a backend round trip.

The session diverges from the backend until the next refresh; use this
for notes and annotations, not conversation turns.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionFlag, _ := cmd.Flags().GetString("session")

		role := session.Role(args[0])
		switch role {
		case session.RoleUser, session.RoleAssistant, session.RoleSystem:
		default:
			return fmt.Errorf("invalid role %q (want user, assistant, or system)", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.resolveSession(sessionFlag)
		if err != nil {
			return err
		}

		msg, err := a.mgr.Append(cmd.Context(), id, role, strings.Join(args[1:], " "), nil)
		if err != nil {
			return err
		}

		printSuccess("Appended %s message %s", role, shortID(msg.ID))
		return nil
	},
}

func init() {
	queryFlags(sendCmd)
	queryFlags(streamCmd)
	appendCmd.Flags().StringP("session", "s", "", "session id (default: the active session)")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(appendCmd)
}

// --- rename / delete ---

var renameCmd = &cobra.Command{
	Use:   "rename [id] <name>",
	Short: "Rename a session",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var id, name string
		if len(args) == 2 {
			id, name = args[0], args[1]
		} else {
			name = args[0]
			if id, err = a.resolveSession(""); err != nil {
				return err
			}
		}

		sess, err := a.mgr.Rename(cmd.Context(), id, name)
		if err != nil {
			return err
		}

		printSuccess("Renamed session %s to %q", shortID(sess.ID), sess.Name)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session from the backend and local state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.mgr.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		if readActiveSession(a.cfg.Storage.DataDir) == args[0] {
			clearActiveSession(a.cfg.Storage.DataDir)
		}

		printSuccess("Deleted session %s", shortID(args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(deleteCmd)
}

// --- use / active ---

var useCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make a session the default target for other commands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.mgr.SetActive(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := writeActiveSession(a.cfg.Storage.DataDir, sess.ID); err != nil {
			return fmt.Errorf("persisting active session: %w", err)
		}

		name := sess.Name
		if name == "" {
			name = "(unnamed)"
		}
		printSuccess("Active session: %s %s", shortID(sess.ID), name)
		return nil
	},
}

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "Show the active session",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		id := readActiveSession(a.cfg.Storage.DataDir)
		if id == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No active session.")
			return nil
		}

		sess, err := a.mgr.Get(cmd.Context(), id)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summarize([]*session.Session{sess}, id)[0])
		}

		name := sess.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s (%s, %d messages)\n",
			shortID(sess.ID), name, sess.Status, sess.MessageCount)
		return nil
	},
}

func init() {
	activeCmd.Flags().Bool("json", false, "emit JSON")
	rootCmd.AddCommand(useCmd)
	rootCmd.AddCommand(activeCmd)
}

// --- refresh ---

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reconcile local state with the backend's session list",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.mgr.Refresh(cmd.Context())
		if err != nil {
			return err
		}

		printSuccess("Reconciled %d sessions", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

// --- export ---

// The backend pages session lists at 100, which bounds what --all can
// reach in one call.
const exportAllLimit = 100

var exportCmd = &cobra.Command{
	Use:   "export [id]",
	Short: "Export session transcripts as JSON, Markdown, or YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")
		all, _ := cmd.Flags().GetBool("all")
		dir, _ := cmd.Flags().GetString("dir")

		exp, err := export.NewExporter(format)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if all {
			return exportAll(ctx, a, exp, dir)
		}

		var flagID string
		if len(args) == 1 {
			flagID = args[0]
		}
		id, err := a.resolveSession(flagID)
		if err != nil {
			return err
		}

		sess, err := loadFull(ctx, a.mgr, id)
		if err != nil {
			return err
		}

		if outPath == "" {
			return exp.Export(sess, cmd.OutOrStdout())
		}
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		if err := exp.Export(sess, f); err != nil {
			return err
		}

		printSuccess("Exported session %s to %s", shortID(id), outPath)
		return nil
	},
}

// loadFull returns the session with its materialized history attached.
func loadFull(ctx context.Context, mgr *manager.Manager, id string) (*session.Session, error) {
	sess, err := mgr.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := mgr.History(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	sess.Messages = msgs
	return sess, nil
}

func exportAll(ctx context.Context, a *app, exp export.Exporter, dir string) error {
	sessions, err := a.mgr.List(ctx, exportAllLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		printWarning("No sessions to export")
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range sessions {
		g.Go(func() error {
			sess, err := loadFull(ctx, a.mgr, s.ID)
			if err != nil {
				return err
			}
			path := filepath.Join(dir, sess.ID+"."+exp.Extension())
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("creating %s: %w", path, err)
			}
			if err := exp.Export(sess, f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	printSuccess("Exported %d sessions to %s", len(sessions), dir)
	return nil
}

func init() {
	exportCmd.Flags().String("format", "json", "export format: json, md, or yaml")
	exportCmd.Flags().String("out", "", "output file path (default: stdout)")
	exportCmd.Flags().Bool("all", false, "export every session to --dir, one file each")
	exportCmd.Flags().String("dir", ".", "directory for --all exports")
	rootCmd.AddCommand(exportCmd)
}

// --- stats / maintain / health ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache and store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.store.WaitReady(ctx); err != nil {
			return err
		}

		cache := a.mgr.CacheStats()
		store, err := a.mgr.StoreStats(ctx)
		if err != nil {
			return err
		}
		schema, err := a.store.SchemaVersion()
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"store": map[string]any{
					"sessions":       store.Sessions,
					"messages":       store.Messages,
					"disk_bytes":     store.DiskBytes,
					"schema_version": schema,
				},
				"cache": map[string]any{
					"entries":   cache.Entries,
					"hits":      cache.Hits,
					"misses":    cache.Misses,
					"evictions": cache.Evictions,
				},
			})
		}

		printStatus("Sessions stored", "%d", store.Sessions)
		printStatus("Messages stored", "%d", store.Messages)
		printStatus("Disk", "%s", humanBytes(store.DiskBytes))
		printStatus("Schema version", "%d", schema)
		printStatus("Data dir", "%s", a.cfg.Storage.DataDir)
		return nil
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Evict stale cache entries and purge expired stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.store.WaitReady(ctx); err != nil {
			return err
		}

		if watch {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(os.Stderr, "maintenance loop every %s, Ctrl-C to stop\n", interval)
			maintenance.NewSweeper(a.mgr, interval).Run(ctx)
			return nil
		}

		report, err := a.mgr.Maintain(ctx)
		if err != nil {
			return err
		}

		printSuccess("Evicted %d stale cache entries, purged %d stored sessions",
			report.StaleEvicted, report.PurgedRows)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		h, err := a.mgr.Health(cmd.Context())
		if err != nil {
			printStatus("Backend", "unreachable (%s)", a.cfg.Backend.BaseURL)
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"status":       h.Status,
				"version":      h.Version,
				"timestamp":    h.Timestamp,
				"dependencies": h.Dependencies,
			})
		}

		printStatus("Backend", "%s (version %s)", h.Status, h.Version)
		deps := make([]string, 0, len(h.Dependencies))
		for name := range h.Dependencies {
			deps = append(deps, name)
		}
		sort.Strings(deps)
		for _, name := range deps {
			printStatus(name, "%s", h.Dependencies[name])
		}
		printStatus("Base URL", "%s", a.cfg.Backend.BaseURL)
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "emit JSON")
	maintainCmd.Flags().Bool("watch", false, "keep running, sweeping on an interval")
	maintainCmd.Flags().Duration("interval", 15*time.Minute, "sweep interval for --watch")
	healthCmd.Flags().Bool("json", false, "emit JSON")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(healthCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		// Values are not echoed back; some keys are secrets.
		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}
