package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orderbridge/orderbridge/internal/app"
	"github.com/orderbridge/orderbridge/internal/config"
	"github.com/orderbridge/orderbridge/internal/jobs"
	"github.com/orderbridge/orderbridge/internal/pipeline"
	"github.com/orderbridge/orderbridge/internal/store"
	"github.com/orderbridge/orderbridge/internal/web"
)

var (
	cfgFile string
	verbose bool
)

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func setupLogger() error {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		logger, err = cfg.Build()
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "orderbridge",
		Short: "OrderBridge - Vendor order emails into customer records",
		Long: `OrderBridge reads vendor order confirmation emails, extracts the orders they
contain, matches them to known customers and pushes them to a CRM.

Orders are stored locally first, so nothing is lost when the CRM is down.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.orderbridge/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(reprocessCmd())
	rootCmd.AddCommand(followUpCmd())
	rootCmd.AddCommand(customersCmd())
	rootCmd.AddCommand(ordersCmd())
	rootCmd.AddCommand(forgetMailCmd())
	rootCmd.AddCommand(serveCmd())

	err := rootCmd.ExecuteContext(context.Background())
	zap.L().Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openApp loads the configuration and opens the store. A missing config file
// falls back to the defaults.
func openApp() (*app.App, error) {
	path := resolveConfigPath()

	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		zap.L().Info("no config file, using defaults", zap.String("path", path))
		cfg = config.Default()
	}

	a, err := app.New(config.NewHolder(path, cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to start: %w", err)
	}
	return a, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long:  "Create a new configuration file with the order mailbox and CRM settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("OrderBridge Configuration Setup")
	fmt.Println("===============================")
	fmt.Println()

	cfg := &config.Config{}

	fmt.Println("Order mailbox (IMAP)")
	fmt.Println()
	cfg.Inbox.Email = prompt(reader, "Mailbox address (leave empty to skip): ")
	if cfg.Inbox.Email != "" {
		cfg.Inbox.Enabled = true
		cfg.Inbox.Provider = prompt(reader, "Provider (gmail/outlook/imap) [gmail]: ")
		if cfg.Inbox.Provider == "" {
			cfg.Inbox.Provider = "gmail"
		}
		if cfg.Inbox.Provider == "imap" {
			cfg.Inbox.Server = prompt(reader, "IMAP server: ")
			cfg.Inbox.Port, _ = strconv.Atoi(prompt(reader, "IMAP port [993]: "))
		}
		cfg.Inbox.Password = prompt(reader, "App password: ")
		cfg.Inbox.Folder = prompt(reader, "Folder with order mail [INBOX]: ")
	}

	fmt.Println()
	fmt.Println("CRM")
	fmt.Println()
	if strings.EqualFold(prompt(reader, "Push orders to Salesforce? (y/N): "), "y") {
		cfg.CRM.Provider = "salesforce"
		cfg.CRM.InstanceURL = prompt(reader, "  Instance URL (optional): ")
		cfg.CRM.ClientID = prompt(reader, "  Connected app client id: ")
		cfg.CRM.ClientSecret = prompt(reader, "  Connected app client secret: ")
		cfg.CRM.Username = prompt(reader, "  Username: ")
		cfg.CRM.Password = prompt(reader, "  Password: ")
		cfg.CRM.SecurityToken = prompt(reader, "  Security token (optional): ")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	configPath := resolveConfigPath()
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Configuration saved to: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit the config file if needed")
	fmt.Println("  2. Run 'orderbridge sweep' to import orders from the mailbox")
	fmt.Println("  3. Run 'orderbridge orders --unsynced' to review what is pending")
	fmt.Println("  4. Run 'orderbridge serve' to sweep and sync on a schedule")
	return nil
}

func prompt(reader *bufio.Reader, message string) string {
	fmt.Print(message)
	input, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(input)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Database ready: %s\n", a.Config().Database.Path)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Store().GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			fmt.Println("OrderBridge Statistics")
			fmt.Println("----------------------")
			fmt.Printf("  Customers:          %d\n", stats.Customers)
			fmt.Printf("  Orders:             %d\n", stats.Orders)
			fmt.Printf("  Waiting for sync:   %d\n", stats.Unsynced)
			fmt.Printf("  Processed messages: %d\n", stats.ProcessedMails)
			fmt.Printf("  CRM:                %s\n", a.Config().CRM.Provider)
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Import orders from unread mail",
		Long: `Fetch unread messages from the order mailbox, store every order they contain
and mark them read. With --watch the sweep repeats on the configured interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			if !watch {
				rep, err := a.Sweep(ctx)
				if err != nil {
					return err
				}
				printSweep(rep)
				return nil
			}

			interval := time.Duration(a.Config().Schedule.SweepIntervalSec) * time.Second
			if interval <= 0 {
				return fmt.Errorf("schedule: sweep_interval_sec must be positive to watch")
			}
			fmt.Printf("Watching mailbox every %s (Ctrl+C to stop)\n", interval)
			jobs.Every(ctx, a.Jobs(), interval, jobs.KindSweep, func(ctx context.Context) (interface{}, error) {
				rep, err := a.Sweep(ctx)
				if err == nil {
					printSweep(rep)
				}
				return rep, err
			})
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Keep sweeping on the configured interval")
	return cmd
}

func printSweep(rep pipeline.SweepReport) {
	fmt.Printf("Messages: %d  processed: %d  ignored: %d  already seen: %d  failed: %d\n",
		rep.Messages, rep.Processed, rep.Ignored, rep.AlreadyProcessed, rep.Failed)
	printIngest(rep.Ingest)
}

func printIngest(rep pipeline.IngestReport) {
	fmt.Printf("Orders: %d found, %d new, %d duplicate, %d new customers",
		rep.Blocks, rep.Created, rep.Duplicates, rep.CustomersCreated)
	if rep.Synced > 0 || rep.SyncFailed > 0 {
		fmt.Printf(", %d synced, %d sync failed", rep.Synced, rep.SyncFailed)
	}
	fmt.Println()
}

func ingestCmd() *cobra.Command {
	var externalID string

	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Import orders from saved email bodies",
		Long:  "Process plain-text email bodies from files. Use - to read from standard input.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var failed int
			for _, name := range args {
				body, err := readBody(name)
				if err != nil {
					return err
				}
				rep, err := a.Ingest(ctx, body, externalID)
				fmt.Printf("%s: ", displayName(name))
				printIngest(rep)
				if err != nil {
					failed++
					fmt.Printf("  error: %v\n", err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d inputs had errors", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&externalID, "id", "", "Order id for blocks without a header")
	return cmd
}

func readBody(name string) (string, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", displayName(name), err)
	}
	return string(data), nil
}

func displayName(name string) string {
	if name == "-" {
		return "stdin"
	}
	return filepath.Base(name)
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push unsynced orders to the CRM",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Sync(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Attempted: %d  synced: %d  failed: %d\n", rep.Attempted, rep.Synced, rep.Failed)
			for _, f := range rep.Failures {
				fmt.Printf("  order %d (%s): %s\n", f.OrderID, f.Key, f.Error)
			}
			if rep.Failed > 0 {
				return fmt.Errorf("%d orders failed to sync", rep.Failed)
			}
			return nil
		},
	}
}

func reprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess",
		Short: "Rebuild product and gift summaries of stored orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Reprocess(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Scanned: %d  updated: %d\n", rep.Scanned, rep.Updated)
			return nil
		},
	}
}

func followUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "followup",
		Short: "Send reminders for orders past the follow-up window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.FollowUp().Enabled() {
				fmt.Println("Follow-up reminders are off (notify.mode)")
				return nil
			}
			rep, err := a.FollowUps(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Due: %d  notified: %d  excluded: %d  failed: %d\n", rep.Due, rep.Notified, rep.Excluded, rep.Failed)
			return nil
		},
	}
}

func customersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "customers",
		Short: "List known customers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			customers, err := a.Store().ListCustomers(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range customers {
				fmt.Printf("%5d  %s", c.ID, c.Name)
				if c.Email != "" {
					fmt.Printf(" <%s>", c.Email)
				}
				fmt.Println()
			}
			fmt.Printf("%d customers\n", len(customers))
			return nil
		},
	}
	cmd.AddCommand(setContactCmd())
	return cmd
}

func setContactCmd() *cobra.Command {
	var contact app.Contact
	cmd := &cobra.Command{
		Use:   "set-contact ID|NAME",
		Short: "Set a customer's email, phone and address",
		Long:  "Replace the contact details of a customer, found by id or exact display name. Omitted flags clear the field.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			customer, err := a.FindCustomer(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no customer %q", args[0])
			}
			if err != nil {
				return err
			}

			customer, err = a.SetCustomerContact(cmd.Context(), customer.ID, contact)
			if err != nil {
				return err
			}
			fmt.Printf("%5d  %s <%s> %s %s\n", customer.ID, customer.Name, customer.Email, customer.Phone, customer.Address)
			return nil
		},
	}
	cmd.Flags().StringVar(&contact.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&contact.Phone, "phone", "", "Phone number")
	cmd.Flags().StringVar(&contact.Address, "address", "", "Postal address")
	return cmd
}

func ordersCmd() *cobra.Command {
	var (
		unsynced bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List stored orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			filter := store.OrderFilter{Limit: limit}
			if unsynced {
				filter.State = store.SyncUnsynced
			}
			orders, err := a.Store().ListOrders(cmd.Context(), filter)
			if err != nil {
				return err
			}

			for _, o := range orders {
				state := "synced"
				if !o.Synced() {
					state = "pending"
					if o.SyncAttempts > 0 {
						state = fmt.Sprintf("pending (%d failed attempts)", o.SyncAttempts)
					}
				}
				fmt.Printf("%5d  %s  %-12s %-28s %10s EUR  %s\n",
					o.ID, o.OrderDate.Format(store.DateLayout), orDash(o.ExternalID),
					truncateString(o.Customer.Name, 28), o.Total.StringFixed(2), state)
				if o.LastSyncError != "" && !o.Synced() {
					fmt.Printf("       last error: %s\n", o.LastSyncError)
				}
			}
			fmt.Printf("%d orders\n", len(orders))
			return nil
		},
	}

	cmd.Flags().BoolVar(&unsynced, "unsynced", false, "Only orders waiting for sync")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of orders to show")
	cmd.AddCommand(addOrderCmd())
	return cmd
}

func addOrderCmd() *cobra.Command {
	var customer, date, products, gifts, total, points string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an order entered by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(customer) == "" {
				return errors.New("--customer is required")
			}
			orderDate := time.Now().UTC().Truncate(24 * time.Hour)
			if date != "" {
				d, err := time.Parse(store.DateLayout, date)
				if err != nil {
					return fmt.Errorf("invalid --date %q: use YYYY-MM-DD", date)
				}
				orderDate = d
			}
			totalAmount, err := decimal.NewFromString(total)
			if err != nil {
				return fmt.Errorf("invalid --total %q: %w", total, err)
			}
			pointsAmount, err := decimal.NewFromString(points)
			if err != nil {
				return fmt.Errorf("invalid --points %q: %w", points, err)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			o, err := a.Pipeline().CreateManualOrder(cmd.Context(), customer, orderDate, products, gifts, totalAmount, pointsAmount)
			if err != nil {
				return err
			}
			fmt.Printf("Order %d recorded (remote key %s)\n", o.ID, pipeline.OrderKey(o))
			return nil
		},
	}

	cmd.Flags().StringVar(&customer, "customer", "", "Customer name")
	cmd.Flags().StringVar(&date, "date", "", "Order date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&products, "products", "", "Product summary")
	cmd.Flags().StringVar(&gifts, "gifts", "", "Gift summary")
	cmd.Flags().StringVar(&total, "total", "0", "Order total in EUR")
	cmd.Flags().StringVar(&points, "points", "0", "Loyalty points")
	return cmd
}

func forgetMailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-mail",
		Short: "Clear the processed-message ledger",
		Long: `Forget which messages were already processed so they are read again on the
next sweep. Stored orders are kept and deduplication prevents double entries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Store().ClearProcessedMessages(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Forgot %d processed messages\n", n)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and scheduled sweeps",
		Long: `Serve the JSON control API on localhost and run the mailbox sweep and CRM
sync on the intervals from the schedule section.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on")
	return cmd
}

func runServe(port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := web.NewServer(port, a)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	go func() {
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
				return
			case <-reload:
				if err := a.Reload(); err != nil {
					zap.L().Error("reload failed", zap.Error(err))
				}
			}
		}
	}()

	fmt.Printf("OrderBridge API at http://localhost:%d\n", port)
	fmt.Println("Press Ctrl+C to stop")
	return server.Start(ctx)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
