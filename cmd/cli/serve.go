package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meltsec/meltscan/internal/api"
	"github.com/meltsec/meltscan/internal/config"
	"github.com/meltsec/meltscan/internal/engine"
	"github.com/meltsec/meltscan/internal/logging"
	"github.com/meltsec/meltscan/internal/metrics"
	"github.com/meltsec/meltscan/internal/probe"
	"github.com/meltsec/meltscan/internal/scheduler"
	"github.com/meltsec/meltscan/internal/store"
)

const (
	metricsUpdateInterval = 15 * time.Second
	storeConnectTimeout   = 10 * time.Second
)

var (
	serveHost string
	servePort int
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Inicia o servidor de API e as varreduras agendadas",
	Long: `Executa o meltscan em modo servidor: expõe a API REST com stream de
resultados via WebSocket e métricas Prometheus, e dispara as
varreduras recorrentes definidas na configuração. Encerra de forma
graciosa com SIGINT ou SIGTERM.`,
	Example: `  meltscan serve
  meltscan serve --host 0.0.0.0 --port 9090
  meltscan serve --config /etc/meltscan/meltscan.yaml`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "",
		"endereço de escuta da API (padrão da configuração)")
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"porta de escuta da API (padrão da configuração)")
}

func runServe(cmd *cobra.Command, _ []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao carregar configuração: %v\n", err)
		os.Exit(1)
	}
	if cmd.Flags().Changed("host") {
		cfg.API.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.API.Port = servePort
	}
	if !cfg.API.Enabled && !cfg.Scheduler.Enabled {
		fmt.Fprintln(os.Stderr, "Erro: API e agendador desativados na configuração; nada a servir")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Default().WithComponent("serve")
	go metrics.Global().StartPeriodicUpdates(ctx, metricsUpdateInterval)

	eng := engine.New(probe.SystemCapability())

	var db *store.DB
	var repo *store.Repository
	if cfg.IsStoreEnabled() {
		db, repo, err = connectStore(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Erro ao conectar ao histórico: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
	}

	if cfg.Scheduler.Enabled {
		sched := newScheduler(eng, cfg, repo)
		if err := sched.Load(cfg.Scheduler); err != nil {
			fmt.Fprintf(os.Stderr, "Erro ao carregar agendamentos: %v\n", err)
			os.Exit(1)
		}
		if err := sched.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Erro ao iniciar o agendador: %v\n", err)
			os.Exit(1)
		}
		defer sched.Stop()
		color.Cyan("Agendador ativo com %d varredura(s) recorrente(s)", len(sched.Jobs()))
	}

	if !cfg.API.Enabled {
		logger.Info("API disabled, serving scheduler only")
		<-ctx.Done()
		return
	}

	opts := []api.Option{api.WithVersion(version)}
	if db != nil {
		opts = append(opts, api.WithStore(db))
	}
	server, err := api.New(cfg.API, eng, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao criar o servidor: %v\n", err)
		os.Exit(1)
	}

	color.Cyan("MeltScan %s servindo em http://%s", version, cfg.APIAddress())
	if err := server.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Erro no servidor: %v\n", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

// connectStore opens the history database and applies the schema, bounded
// by a connect timeout so a dead database fails startup instead of
// hanging it.
func connectStore(ctx context.Context, cfg *config.Config) (*store.DB, *store.Repository, error) {
	connectCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
	defer cancel()

	db, err := store.Connect(connectCtx, cfg.Store.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Bootstrap(connectCtx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store.NewRepository(db), nil
}

func newScheduler(eng *engine.Engine, cfg *config.Config, repo *store.Repository) *scheduler.Scheduler {
	opts := []scheduler.Option{
		scheduler.WithDefaults(cfg.Scan.Timeout, cfg.Scan.Concurrency),
	}
	if repo != nil {
		opts = append(opts, scheduler.WithRepository(repo))
	}
	return scheduler.New(eng, opts...)
}
