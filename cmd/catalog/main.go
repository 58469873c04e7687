// Command catalog provisions and operates a product catalog store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jacentio/catalogstore/internal/config"
	"github.com/jacentio/catalogstore/internal/httpapi"
	"github.com/jacentio/catalogstore/internal/logger"
	"github.com/jacentio/catalogstore/store"
)

var (
	filterExpr string
	limit      int
	inputFile  string
)

// app is the wired runtime shared by every command.
type app struct {
	cfg         config.Config
	log         *zap.Logger
	client      *store.Client
	provisioner *store.Provisioner
	db          *store.Database
	container   *store.Container
	catalog     *store.Catalog
}

func setup(ctx context.Context, provision bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	client, err := store.NewClient(ctx, cfg.ConnectionString, cfg.Store, log)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:         cfg,
		log:         log,
		client:      client,
		provisioner: store.NewProvisioner(client, store.ProvisionerOptions{}),
	}
	if !provision {
		return a, nil
	}

	a.db, err = a.provisioner.EnsureDatabase(ctx, cfg.DatabaseName)
	if err != nil {
		return nil, err
	}
	a.container, err = a.provisioner.EnsureContainer(ctx, a.db, store.ContainerSpec{
		Name:             cfg.ContainerName,
		PartitionKeyPath: store.DefaultPartitionKeyPath,
		Throughput:       store.Throughput{AutoscaleMax: cfg.AutoscaleMax},
	})
	if err != nil {
		return nil, err
	}
	a.catalog, err = store.NewCatalog(client, a.container)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var rootCmd = &cobra.Command{
	Use:           "catalog",
	Short:         "Product catalog store tool",
	Long:          `Provision the catalog database and container, and read or write products.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the database and container if they are absent",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.log.Sync()
		return printJSON(cmd.OutOrStdout(), a.container.Descriptor)
	},
}

var containersCmd = &cobra.Command{
	Use:   "containers",
	Short: "List the containers recorded in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.log.Sync()
		descriptors, err := a.provisioner.Containers(cmd.Context(), a.db)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), descriptors)
	},
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show the readable regions and consistency level",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.log.Sync()
		props, err := a.client.Account(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), props)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <category> <id>",
	Short: "Read a product",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.log.Sync()
		p, err := a.catalog.Read(cmd.Context(), args[1], args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List products, optionally filtered",
	Example: `  catalog list
  catalog list --filter "category_id = 'bikes'"
  catalog list --filter "SELECT * FROM c WHERE c.price < 500" --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.log.Sync()

		seq := a.catalog.ListAll(cmd.Context())
		if filterExpr != "" {
			seq = a.catalog.Query(cmd.Context(), filterExpr)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		n := 0
		for p, err := range seq {
			if err != nil {
				return err
			}
			if limit > 0 && n == limit {
				break
			}
			if err := enc.Encode(p); err != nil {
				return err
			}
			n++
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d product(s)\n", n)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <filter>",
	Short: "Stream the products matching a filter expression",
	Example: `  catalog query "category_id = 'bikes'"
  catalog query "SELECT * FROM c WHERE c.categoryId = 'bikes' AND c.price >= 100"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.log.Sync()

		enc := json.NewEncoder(cmd.OutOrStdout())
		for p, err := range a.catalog.Query(cmd.Context(), args[0]) {
			if err != nil {
				return err
			}
			if err := enc.Encode(p); err != nil {
				return err
			}
		}
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a product from a JSON document",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if inputFile != "-" {
			f, err := os.Open(inputFile)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		p, err := store.ParseProduct(data)
		if err != nil {
			return err
		}

		a, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.log.Sync()
		created, err := a.catalog.Create(cmd.Context(), p)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), created)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <category> <id>",
	Short: "Delete a product",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.log.Sync()
		if err := a.catalog.Delete(cmd.Context(), args[1], args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the catalog over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, true)
		if err != nil {
			return err
		}
		defer a.log.Sync()

		srv := &http.Server{
			Addr:              ":" + a.cfg.Port,
			Handler:           httpapi.NewHandler(a.catalog, a.log).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			a.log.Info("http server listening", zap.String("addr", srv.Addr))
			errc <- srv.ListenAndServe()
		}()

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		a.log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	listCmd.Flags().StringVarP(&filterExpr, "filter", "f", "", "filter expression, e.g. \"category_id = 'bikes'\"")
	listCmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of products (0 = all)")
	createCmd.Flags().StringVarP(&inputFile, "file", "i", "-", "JSON document to read, - for stdin")

	rootCmd.AddCommand(provisionCmd, containersCmd, accountCmd, getCmd, listCmd, queryCmd, createCmd, deleteCmd, serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
