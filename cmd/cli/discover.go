package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/meltsec/meltscan/internal/discovery"
	"github.com/meltsec/meltscan/internal/logging"
)

var (
	discoverTimeout float64
	discoverNoPTR   bool
)

// discoverCmd represents the discover command.
var discoverCmd = &cobra.Command{
	Use:   "discover [rede]",
	Short: "Descobre hosts ativos em uma rede",
	Long: `Varre uma rede CIDR com sondas TCP connect em um pequeno conjunto
de portas comuns e lista os hosts que responderam. Hosts vivos têm
o nome resolvido por PTR quando o DNS reverso está disponível.`,
	Example: `  meltscan discover 192.168.1.0/24
  meltscan discover 10.0.0.0/16 --timeout 0.5 --no-ptr`,
	Args: cobra.ExactArgs(1),
	Run:  runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().Float64Var(&discoverTimeout, "timeout", 0,
		"timeout por host em segundos (padrão da configuração)")
	discoverCmd.Flags().BoolVar(&discoverNoPTR, "no-ptr", false,
		"não resolver nomes via DNS reverso")
}

func runDiscover(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao carregar configuração: %v\n", err)
		os.Exit(1)
	}

	sweepCfg := discovery.Config{
		Ports:       cfg.Discovery.Ports,
		Timeout:     cfg.Discovery.Timeout,
		Concurrency: cfg.Discovery.Concurrency,
		ResolvePTR:  cfg.Discovery.ResolvePTR && !discoverNoPTR,
		DNSServer:   cfg.Discovery.DNSServer,
		CacheTTL:    cfg.Discovery.CacheTTL,
	}
	if cmd.Flags().Changed("timeout") {
		sweepCfg.Timeout = time.Duration(discoverTimeout * float64(time.Second))
	}

	sweeper, err := discovery.New(sweepCfg,
		discovery.WithLogger(logging.Default().WithComponent("cli")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro: %v\n", err)
		os.Exit(1)
	}
	defer sweeper.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	color.Cyan("Descobrindo hosts em %s", args[0])
	started := time.Now()

	hosts, err := sweeper.Sweep(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro: %v\n", err)
		os.Exit(1)
	}

	if len(hosts) == 0 {
		color.Yellow("Nenhum host ativo encontrado")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Endereço", "Nome", "Porta", "RTT")
	for _, h := range hosts {
		_ = table.Append([]string{
			h.Address,
			h.Hostname,
			strconv.Itoa(h.Port),
			h.RTT.Round(time.Millisecond).String(),
		})
	}
	_ = table.Render()

	fmt.Printf("%d host(s) ativo(s) em %s\n",
		len(hosts), time.Since(started).Round(time.Millisecond))
}
