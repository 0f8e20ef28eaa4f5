package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/debugpartner/internal/config"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a debugging problem",
	Long: `Submit a debugging problem. Quick fixes come back within seconds;
deeper analyses are scheduled over the next 24 hours.

Examples:
  debugpartner submit --user alice --title "Crash on startup" --description "Segfault in init"
  debugpartner submit --user alice --title "Memory leak" --description "RSS grows" --severity high --tags go,runtime`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		env, _ := cmd.Flags().GetString("env")
		category, _ := cmd.Flags().GetString("category")
		severity, _ := cmd.Flags().GetString("severity")
		tagsStr, _ := cmd.Flags().GetString("tags")
		budget, _ := cmd.Flags().GetFloat64("budget")

		if user == "" || title == "" || description == "" {
			return fmt.Errorf("--user, --title, and --description are required")
		}

		req := map[string]any{
			"user_id":     user,
			"title":       title,
			"description": description,
		}
		if env != "" {
			if !json.Valid([]byte(env)) {
				return fmt.Errorf("--env must be a JSON object")
			}
			req["environment_info"] = json.RawMessage(env)
		}
		if category != "" {
			req["category"] = category
		}
		if severity != "" {
			req["severity"] = severity
		}
		if tagsStr != "" {
			tags := strings.Split(tagsStr, ",")
			for i := range tags {
				tags[i] = strings.TrimSpace(tags[i])
			}
			req["tags"] = tags
		}
		if budget > 0 {
			req["max_budget"] = budget
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/problems", req)
		if err != nil {
			return err
		}

		var result struct {
			Problem struct {
				ID string
			}
			Sessions []struct {
				LayerName    string
				ScheduleTime time.Time
			}
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Submitted problem %s", result.Problem.ID)
		for _, s := range result.Sessions {
			printStatus(s.LayerName, "%s", s.ScheduleTime.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		archived, _ := cmd.Flags().GetBool("archived")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/problems?limit=%d", limit)
		if archived {
			path += "&archived=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var problems []struct {
			ID        string
			Title     string
			Status    string
			AICost    float64
			CreatedAt time.Time
		}
		if err := decodeJSON(resp, &problems); err != nil {
			return err
		}

		if len(problems) == 0 {
			fmt.Println("no problems found")
			return nil
		}
		for _, p := range problems {
			fmt.Printf("%s  %-8s  $%.4f  %s  %s\n",
				p.ID, p.Status, p.AICost, p.CreatedAt.Local().Format("2006-01-02 15:04"), p.Title)
		}
		return nil
	},
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <problem-id>",
	Short: "Show a problem and its reasoning schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/problems/"+args[0])
		if err != nil {
			return err
		}
		var problem struct {
			ID          string
			Title       string
			Description string
			Status      string
			Archived    bool
			AICost      float64
			MaxBudget   float64
		}
		if err := decodeJSON(resp, &problem); err != nil {
			return err
		}

		fmt.Printf("%s\n\n%s\n\n", colorize(colorBold, problem.Title), problem.Description)
		printStatus("Status", "%s", problem.Status)
		printStatus("Cost", "$%.4f of $%.2f", problem.AICost, problem.MaxBudget)
		if problem.Archived {
			printStatus("Archived", "yes")
		}

		resp, err = client.get(cmd.Context(), "/problems/"+args[0]+"/sessions")
		if err != nil {
			return err
		}
		var sessions []struct {
			LayerName    string
			ScheduleTime time.Time
			Status       string
		}
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}

		fmt.Println()
		for _, s := range sessions {
			printStatus(s.LayerName, "%-10s  %s", s.Status, s.ScheduleTime.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// --- insights ---

var insightsCmd = &cobra.Command{
	Use:   "insights <problem-id>",
	Short: "Show insights generated for a problem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/problems/"+args[0]+"/insights")
		if err != nil {
			return err
		}
		var insights []struct {
			InsightType string
			Content     string
			CodeSamples string
			CreatedAt   time.Time
		}
		if err := decodeJSON(resp, &insights); err != nil {
			return err
		}

		if len(insights) == 0 {
			fmt.Println("no insights yet — deeper layers may still be scheduled")
			return nil
		}
		for _, ins := range insights {
			fmt.Printf("%s  %s\n\n%s\n",
				colorize(colorBold, "["+ins.InsightType+"]"),
				ins.CreatedAt.Local().Format("2006-01-02 15:04"),
				ins.Content)

			var samples []string
			if json.Unmarshal([]byte(ins.CodeSamples), &samples) == nil {
				for _, sample := range samples {
					fmt.Printf("\n%s\n%s\n", colorize(colorCyan, "--- code ---"), sample)
				}
			}
			fmt.Println()
		}
		return nil
	},
}

// --- lifecycle ---

func statusCommand(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <problem-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			resp, err := client.post(cmd.Context(), "/problems/"+args[0]+"/status", map[string]string{"status": status})
			if err != nil {
				return err
			}
			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}

			printSuccess("Problem %s is now %s", args[0], result["status"])
			return nil
		},
	}
}

var pauseCmd = statusCommand("pause", "Pause a problem's reasoning schedule", "paused")
var resumeCmd = statusCommand("resume", "Resume a paused problem", "active")
var resolveCmd = statusCommand("resolve", "Mark a problem as resolved", "resolved")

var archiveCmd = &cobra.Command{
	Use:   "archive <problem-id>",
	Short: "Archive a problem (or unarchive with --undo)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		undo, _ := cmd.Flags().GetBool("undo")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/problems/"+args[0]+"/archive", map[string]bool{"archived": !undo})
		if err != nil {
			return err
		}
		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result["archived"] {
			printSuccess("Archived problem %s", args[0])
		} else {
			printSuccess("Unarchived problem %s", args[0])
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <problem-id>",
	Short: "Permanently delete an archived problem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This permanently deletes the problem and all its insights. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/problems/"+args[0])
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted problem %s", args[0])
		return nil
	},
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <problem-id> <file>",
	Short: "Attach a log or source file to a problem",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{
			"name":    filepath.Base(args[1]),
			"content": base64.StdEncoding.EncodeToString(data),
		}
		resp, err := client.post(cmd.Context(), "/problems/"+args[0]+"/files", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Attached %s (%s)", result["name"], result["id"])
		return nil
	},
}

// --- prefs ---

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Manage notification preferences",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's notification preferences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/preferences/"+args[0])
		if err != nil {
			return err
		}
		var pref struct {
			Email        string
			Enabled      bool
			ScheduleType string
			WeeklyDigest bool
		}
		if err := decodeJSON(resp, &pref); err != nil {
			return err
		}

		printStatus("Email", "%s", pref.Email)
		printStatus("Enabled", "%t", pref.Enabled)
		printStatus("Schedule", "%s", pref.ScheduleType)
		printStatus("Weekly digest", "%t", pref.WeeklyDigest)
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <user>",
	Short: "Update a user's notification preferences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		enabled, _ := cmd.Flags().GetBool("enabled")
		schedule, _ := cmd.Flags().GetString("schedule")
		digest, _ := cmd.Flags().GetBool("weekly-digest")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"email":         email,
			"enabled":       enabled,
			"schedule_type": schedule,
			"weekly_digest": digest,
		}
		resp, err := client.put(cmd.Context(), "/preferences/"+args[0], req)
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Updated preferences for %s", args[0])
		return nil
	},
}

func init() {
	submitCmd.Flags().String("user", "", "user the problem belongs to")
	submitCmd.Flags().String("title", "", "short problem title")
	submitCmd.Flags().String("description", "", "full problem description")
	submitCmd.Flags().String("env", "", "JSON object describing the environment")
	submitCmd.Flags().String("category", "", "problem category (e.g. bug, performance)")
	submitCmd.Flags().String("severity", "", "problem severity (low, medium, high, critical)")
	submitCmd.Flags().String("tags", "", "comma-separated tags")
	submitCmd.Flags().Float64("budget", 0, "maximum AI spend for this problem in dollars")

	listCmd.Flags().Bool("archived", false, "list archived problems instead of active ones")
	listCmd.Flags().Int("limit", 20, "maximum number of problems to list")

	archiveCmd.Flags().Bool("undo", false, "unarchive instead of archive")
	deleteCmd.Flags().Bool("confirm", false, "confirm permanent deletion")

	prefsSetCmd.Flags().String("email", "", "notification email address")
	prefsSetCmd.Flags().Bool("enabled", true, "enable notifications")
	prefsSetCmd.Flags().String("schedule", "smart", "schedule type: immediate, smart, hourly, daily")
	prefsSetCmd.Flags().Bool("weekly-digest", false, "receive the weekly summary email")
	prefsCmd.AddCommand(prefsShowCmd)
	prefsCmd.AddCommand(prefsSetCmd)
}

// --- scheduler ---

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Trigger one due-session sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/scheduler/poll", nil)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Processed %d due sessions", result["processed"])
		return nil
	},
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Send the weekly digest emails now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/scheduler/digest", nil)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Sent %d digest emails", result["sent"])
		return nil
	},
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
