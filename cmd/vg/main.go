package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"voltgrid/internal/app"
	"voltgrid/internal/config"
	"voltgrid/internal/db"
	"voltgrid/internal/domain"
	"voltgrid/internal/engine"
	"voltgrid/internal/repo"
	"voltgrid/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vg",
	Short: "Voltgrid BPP CLI",
	Long: `Voltgrid is the provider-side engine of a P2P energy trading network.
It publishes offers as reservable kWh blocks, ranks them for buyer requests,
and walks each trade through reservation, confirmation, delivery verification,
and settlement.
- Workspace: the .voltgrid directory holding the SQLite store; config lives in voltgrid.yml next to it.
- Offers: published energy lots; each unit of quantity is minted as one block.
- Blocks: AVAILABLE -> RESERVED (init) -> SOLD (confirm); cancel releases them.
- Orders: PENDING -> ACTIVE -> COMPLETED, or CANCELLED before confirm.
- Verification: expected vs delivered quantity, classified against tolerance rules.
- Settlement: INITIATED -> PENDING -> SETTLED payout, with deviation penalties.
- Event log: every inbound and outbound protocol message, view with 'vg log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VOLTGRID")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(settlementCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config is the rulebook: matching weights, trust defaults, verification tolerance, and callback timing. Stored as voltgrid.yml in the workspace.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default voltgrid.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func providerCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "provider",
		Short: "Manage providers",
		Long:  "Providers own offers and carry a trust score in [0,1] that matching blends into rankings. Trust moves with order outcomes.",
	}
	p.AddCommand(providerAddCmd())
	p.AddCommand(providerListCmd())
	return p
}

func providerAddCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.RegisterProvider(ctx, id, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "provider id (generated if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "provider name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func providerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProviders(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Trust", "Orders", "Successful"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, fmt.Sprintf("%.2f", p.TrustScore), p.TotalOrders, p.SuccessfulOrders})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func offerCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "offer",
		Short: "Manage offers",
		Long:  "Offers are published energy lots. Publishing mints one block per unit of quantity; blocks are what init reserves and confirm sells.",
	}
	o.AddCommand(offerPublishCmd())
	o.AddCommand(offerListCmd())
	o.AddCommand(offerMatchCmd())
	o.AddCommand(offerBlocksCmd())
	o.AddCommand(offerWithdrawCmd())
	return o
}

func offerMatchCmd() *cobra.Command {
	var quantity int
	var maxPrice float64
	var bulk bool
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Preview ranked offers for a criteria query",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req := engine.SelectRequest{RequestedQuantity: quantity, Bulk: bulk}
				if maxPrice > 0 {
					req.MaxPrice = &maxPrice
				}
				res, err := a.Engine.Match(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rank", "Offer", "Provider", "Price", "Score", "Eligible"})
				for i, m := range res.Match.Offers {
					priceCol := fmt.Sprintf("%.2f %s", m.Offer.Price.Value, m.Offer.Price.Currency)
					tw.AppendRow(table.Row{i + 1, m.Offer.ID, m.Offer.ProviderID, priceCol, fmt.Sprintf("%.3f", m.Score), m.MatchesFilters})
				}
				tw.Render()
				if res.Bulk != nil {
					fmt.Printf("Bulk allocation covers %d of %d requested\n", res.Bulk.TotalQuantity, quantity)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&quantity, "quantity", 1, "requested quantity in kWh")
	cmd.Flags().Float64Var(&maxPrice, "max-price", 0, "maximum unit price")
	cmd.Flags().BoolVar(&bulk, "bulk", false, "combine offers to cover the quantity")
	return cmd
}

func offerPublishCmd() *cobra.Command {
	var id, itemID, providerID, currency, windowStart, windowEnd string
	var price float64
	var quantity int
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an offer and mint its blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var window *domain.TimeWindow
			if windowStart != "" || windowEnd != "" {
				if windowStart == "" || windowEnd == "" {
					return fmt.Errorf("--window-start and --window-end must be set together")
				}
				window = &domain.TimeWindow{Start: windowStart, End: windowEnd}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				offer, err := a.Engine.PublishOffer(ctx, engine.OfferPublishOptions{
					ID:         id,
					ItemID:     itemID,
					ProviderID: providerID,
					Price:      domain.Money{Value: price, Currency: currency},
					Quantity:   quantity,
					Window:     window,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(offer)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "offer id (generated if omitted)")
	cmd.Flags().StringVar(&itemID, "item-id", "", "catalog item id (derived if omitted)")
	cmd.Flags().StringVar(&providerID, "provider", "", "provider id")
	cmd.Flags().Float64Var(&price, "price", 0, "unit price per kWh")
	cmd.Flags().StringVar(&currency, "currency", "INR", "price currency")
	cmd.Flags().IntVar(&quantity, "quantity", 0, "quantity in kWh blocks")
	cmd.Flags().StringVar(&windowStart, "window-start", "", "delivery window start (RFC3339)")
	cmd.Flags().StringVar(&windowEnd, "window-end", "", "delivery window end (RFC3339)")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("price")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func offerListCmd() *cobra.Command {
	var f repo.OfferFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListOffers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Provider", "Price", "Available", "Max", "Status"})
				for _, o := range items {
					priceCol := fmt.Sprintf("%.2f %s", o.Price.Value, o.Price.Currency)
					tw.AppendRow(table.Row{o.ID, o.ProviderID, priceCol, o.AvailableQuantity, o.MaxQuantity, o.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProviderID, "provider", "", "provider filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (published, withdrawn)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max offers")
	return cmd
}

func offerBlocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks <offer-id>",
		Short: "Block status census for an offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.GetOffer(ctx, args[0]); err != nil {
					return err
				}
				stats, err := a.Engine.Ledger.BlockStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func offerWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw <offer-id>",
		Short: "Withdraw an offer from matching",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := a.Repo.UpdateOfferStatus(ctx, args[0], "withdrawn", now); err != nil {
					return err
				}
				offer, err := a.Repo.GetOffer(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(offer)
			})
		},
		Args: cobra.ExactArgs(1),
	}
	return cmd
}

func orderCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "order",
		Short: "Inspect orders",
		Long:  "Orders are created by the protocol (init), never from the CLI. These commands inspect them.",
	}
	o.AddCommand(orderListCmd())
	o.AddCommand(orderGetCmd())
	return o
}

func orderListCmd() *cobra.Command {
	var providerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.Order
				var err error
				if providerID != "" {
					items, err = a.Repo.ListOrdersByProvider(ctx, providerID)
				} else {
					items, err = a.Repo.ListOrders(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Transaction", "Status", "Provider", "Qty", "Total"})
				for _, o := range items {
					total := fmt.Sprintf("%.2f %s", o.Quote.Price.Value, o.Quote.Price.Currency)
					tw.AppendRow(table.Row{o.ID, o.TransactionID, o.Status, o.ProviderID, o.Quote.TotalQuantity, total})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider filter")
	return cmd
}

func orderGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				order, err := a.Repo.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(order)
			})
		},
	}
	return cmd
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Inspect verification cases",
	}
	c.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Get verification case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				vc, err := a.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(vc)
			})
		},
	})
	return c
}

func settlementCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "settlement",
		Short: "Inspect settlements",
	}
	s.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Get settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Repo.GetSettlement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	})
	return s
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Protocol event log",
		Long:  "The diary of every inbound and outbound protocol message, newest first.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Direction", "Action", "Transaction"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.Direction, e.Action, e.TransactionID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.TransactionID, "transaction", "", "transaction filter")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().StringVar(&f.Direction, "direction", "", "direction filter (INBOUND, OUTBOUND)")
	cmd.Flags().Int64Var(&f.Cursor, "cursor", 0, "paginate from event id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage dashboard API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name, subject string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (raw key printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					Name:      name,
					Subject:   subject,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": raw})
				}
				fmt.Printf("API key %s created. Raw key (store it now, it is not retrievable):\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&subject, "subject", "", "principal subject")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Subject", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.Subject, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the BPP HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			jwtSecret := os.Getenv("VOLTGRID_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = a.Config.Auth.JWTSecret
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Voltgrid BPP on http://%s (protocol at /bpp, dashboard at %s, OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "dashboard base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
