package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/A2gent/botdesk/internal/agent"
	"github.com/A2gent/botdesk/internal/config"
	"github.com/A2gent/botdesk/internal/conversation"
	httpserver "github.com/A2gent/botdesk/internal/http"
	"github.com/A2gent/botdesk/internal/llm/openaicompat"
	"github.com/A2gent/botdesk/internal/logging"
	"github.com/A2gent/botdesk/internal/memory"
	"github.com/A2gent/botdesk/internal/scheduler"
	"github.com/A2gent/botdesk/internal/storage"
	"github.com/A2gent/botdesk/internal/tools"
	"github.com/spf13/cobra"
)

var (
	configFlag string
	portFlag   int
	modelFlag  string
	userFlag   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "botdesk",
		Short: "Botdesk - conversational bot backend",
		Long: `Botdesk answers chat messages through an LLM provider, letting bots call tools,
and fires scheduled messages on cron expressions.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Override the listen port")
	serveCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Override default model")

	// Scheduled task subcommands
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect scheduled tasks",
	}
	tasksListCmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE:  listTasks,
	}
	tasksListCmd.Flags().StringVarP(&userFlag, "user", "u", "", "Only list tasks of this user")
	tasksCmd.AddCommand(tasksListCmd)

	cronCmd := &cobra.Command{
		Use:   "cron",
		Short: "Cron expression helpers",
	}
	cronValidateCmd := &cobra.Command{
		Use:   "validate <expression>",
		Short: "Validate a cron expression and show its next and previous fire times",
		Args:  cobra.ExactArgs(1),
		RunE:  validateCron,
	}
	cronCmd.AddCommand(cronValidateCmd)

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List the models offered by the provider",
		RunE:  listModels,
	}

	rootCmd.AddCommand(serveCmd, tasksCmd, cronCmd, modelsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Setup(cfg.LogLevel, os.Stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if modelFlag != "" {
		cfg.DefaultModel = modelFlag
	}
	if portFlag > 0 {
		cfg.Port = portFlag
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY environment variable is required")
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Initialize storage
	store, err := storage.NewSQLiteStore(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	llmClient := openaicompat.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout())

	registry := tools.NewRegistry(nil)
	registry.Register(tools.NewCurrentTimeTool())
	registry.Register(tools.NewFetchURLTool())
	registry.Register(tools.NewRecallMemoryTool(store))

	conversations := conversation.NewManager(store)
	archive := memory.NewArchive(store, memory.NewCache(memory.DefaultTTL))

	orchestrator := agent.New(agent.Config{
		Model:          cfg.DefaultModel,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		TopP:           cfg.TopP,
		SystemPrompt:   cfg.SystemPrompt,
		EnableThinking: cfg.EnableThinking,
		ThinkingBudget: cfg.ThinkingBudget,
		MaxIterations:  cfg.MaxIterations,
		HistoryLimit:   cfg.HistoryLimit,
	}, llmClient, registry, store, conversations, archive)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler(store, conversations, orchestrator, loc)
	sched.Init(ctx)
	sched.Start()

	server := httpserver.NewServer(cfg, store, conversations, orchestrator, sched, llmClient)
	runErr := server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Stop(shutdownCtx)
	orchestrator.Wait()

	return runErr
}

func listTasks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.NewSQLiteStore(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	sched := scheduler.NewScheduler(store, conversation.NewManager(store), nil, nil)
	tasks, err := sched.List(userFlag)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	fmt.Printf("%-36s  %-16s  %-8s  %-20s  %s\n", "ID", "Cron", "Enabled", "Last run", "Name")
	fmt.Println("-------------------------------------------------------------------------------------------------")
	for _, t := range tasks {
		lastRun := "never"
		if t.LastRunAt != nil {
			lastRun = t.LastRunAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-36s  %-16s  %-8t  %-20s  %s\n", t.ID, t.CronExpression, t.Enabled, lastRun, t.Name)
	}

	return nil
}

func validateCron(cmd *cobra.Command, args []string) error {
	iv, err := scheduler.Parse(args[0])
	if err != nil {
		return err
	}

	now := time.Now()
	fmt.Printf("Next: %s\n", iv.Next(now).Format(time.RFC3339))
	if prev := iv.Prev(now); !prev.IsZero() {
		fmt.Printf("Prev: %s\n", prev.Format(time.RFC3339))
	}
	return nil
}

func listModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := openaicompat.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout())
	for _, model := range client.ListModels(cmd.Context()) {
		fmt.Println(model)
	}
	return nil
}
