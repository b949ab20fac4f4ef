package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/meltsec/meltscan/internal/config"
	"github.com/meltsec/meltscan/internal/engine"
	"github.com/meltsec/meltscan/internal/export"
	"github.com/meltsec/meltscan/internal/logging"
	"github.com/meltsec/meltscan/internal/ports"
	"github.com/meltsec/meltscan/internal/probe"
	"github.com/meltsec/meltscan/internal/profiles"
	"github.com/meltsec/meltscan/internal/store"
	"github.com/meltsec/meltscan/internal/targets"
)

const (
	bannerWidth      = 60
	historyTimeout   = 30 * time.Second
	progressBarWidth = 30
	maxResultBuffer  = 4096
)

var (
	scanPorts       string
	scanTCP         bool
	scanUDP         bool
	scanSYN         bool
	scanTimeout     float64
	scanConcurrency int
	scanPreset      string
	scanOutput      string
	scanStore       bool
)

// scanCmd represents the scan command.
var scanCmd = &cobra.Command{
	Use:   "scan [alvo]",
	Short: "Executa uma varredura de portas",
	Long: `Executa uma varredura de portas contra um ou mais alvos.

O alvo pode ser um IP, um hostname, uma rede CIDR ou uma lista
separada por vírgulas. As portas aceitam listas e intervalos
(ex: 22,80,443 ou 1-1024). Resultados aparecem conforme chegam e
podem ser exportados para CSV, TXT, XML ou PDF.`,
	Example: `  meltscan scan 192.168.1.0/24 --ports 22,80,443 --tcp
  meltscan scan example.com --ports 1-1024 --tcp --udp
  meltscan scan 10.0.0.5 --preset quick --output resultados.csv
  meltscan scan 10.0.0.5 --ports 53,123 --udp --timeout 1.5`,
	Args: cobra.ExactArgs(1),
	Run:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&scanPorts, "ports", "p", "",
		"portas a escanear (ex: 80,443 ou 20-100)")
	scanCmd.Flags().BoolVarP(&scanTCP, "tcp", "t", false,
		"sondar portas TCP")
	scanCmd.Flags().BoolVarP(&scanUDP, "udp", "u", false,
		"sondar portas UDP")
	scanCmd.Flags().BoolVar(&scanSYN, "syn", false,
		"usar SYN scan (TCP apenas, requer privilégios raw)")
	scanCmd.Flags().Float64Var(&scanTimeout, "timeout", 2,
		"timeout por sonda em segundos")
	scanCmd.Flags().IntVarP(&scanConcurrency, "concurrency", "c", 0,
		"número de sondas simultâneas (padrão da configuração)")
	scanCmd.Flags().StringVar(&scanPreset, "preset", "",
		"perfil de varredura predefinido (veja 'meltscan profiles')")
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "",
		"arquivo para salvar resultados (.csv, .txt, .xml, .pdf)")
	scanCmd.Flags().BoolVar(&scanStore, "store", false,
		"gravar a sessão no histórico (PostgreSQL)")
}

// buildScanSpec assembles the scan spec from configuration, an optional
// preset and the explicit flags. Flags always win over the preset, the
// preset wins over configuration defaults. Validation mirrors the
// messages users see: protocol first, then targets, then ports.
func buildScanSpec(cfg *config.Config, manager *profiles.Manager, target string, timeoutSet bool) (engine.Spec, error) {
	spec := engine.Spec{
		TCP:         scanTCP,
		UDP:         scanUDP,
		UseSYN:      scanSYN || cfg.UseSYN(),
		Timeout:     cfg.Scan.Timeout,
		Concurrency: cfg.Scan.Concurrency,
	}
	if timeoutSet {
		spec.Timeout = time.Duration(scanTimeout * float64(time.Second))
	}
	if scanConcurrency > 0 {
		spec.Concurrency = scanConcurrency
	}

	portsExpr := cfg.Scan.DefaultPorts
	if scanPreset != "" {
		preset, err := manager.Get(scanPreset)
		if err != nil {
			return spec, fmt.Errorf("perfil desconhecido: %s", scanPreset)
		}
		preset.Apply(&spec)
		portsExpr = preset.Ports
		// explicit flags override the preset
		if scanTCP {
			spec.TCP = true
		}
		if scanUDP {
			spec.UDP = true
		}
		if scanSYN {
			spec.UseSYN = true
		}
	}
	if scanPorts != "" {
		portsExpr = scanPorts
	}

	if !spec.TCP && !spec.UDP {
		return spec, fmt.Errorf("Especifique pelo menos um protocolo (--tcp ou --udp)")
	}

	spec.Targets = targets.Resolve(target)
	if len(spec.Targets) == 0 {
		return spec, fmt.Errorf("Nenhum alvo válido especificado")
	}

	spec.Ports = ports.Resolve(portsExpr)
	if len(spec.Ports) == 0 {
		return spec, fmt.Errorf("Nenhuma porta válida especificada")
	}

	return spec, nil
}

// interesting reports whether a result deserves its own line above the
// progress bar. Closed ports would drown everything else out.
func interesting(r engine.Result) bool {
	switch r.State {
	case probe.StateOpen, probe.StateOpenOrFiltered:
		return true
	case probe.StateUnknown:
		return r.Diagnostic != ""
	default:
		return false
	}
}

// formatResult renders one result as a live output line.
func formatResult(r engine.Result, withTarget bool) string {
	line := fmt.Sprintf("Porta %d/%s: %s", r.Port, r.Protocol, export.DisplayState(r.State))
	if withTarget {
		line = r.Target + " " + line
	}
	if r.Diagnostic != "" {
		line += fmt.Sprintf(" (%s)", r.Diagnostic)
	}
	return line
}

func printResult(r engine.Result, withTarget bool) {
	line := formatResult(r, withTarget)
	switch r.State {
	case probe.StateOpen:
		color.Green("%s", line)
	case probe.StateOpenOrFiltered, probe.StateFiltered:
		color.Yellow("%s", line)
	case probe.StateUnknown:
		color.Red("%s", line)
	default:
		fmt.Println(line)
	}
}

// isTerminal reports whether stdout is an interactive terminal. The
// progress bar only renders there; piped output gets one line per result.
func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func newScanProgressBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(progressBarWidth),
		progressbar.OptionSetDescription("[cyan][varrendo][reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func runScan(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao carregar configuração: %v\n", err)
		os.Exit(1)
	}

	manager := profiles.NewManager()
	if err := manager.LoadUser(cfg.Profiles); err != nil {
		fmt.Fprintf(os.Stderr, "Erro: %v\n", err)
		os.Exit(1)
	}

	spec, err := buildScanSpec(cfg, manager, args[0], cmd.Flags().Changed("timeout"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro: %v\n", err)
		os.Exit(1)
	}

	caps := probe.SystemCapability()
	if scanSYN && !caps.SupportsRawProbing() {
		color.Yellow("Aviso: SYN scan requer privilégios raw; usando TCP connect")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(caps, engine.WithLogger(logging.Default().WithComponent("cli")))

	color.Cyan("Iniciando varredura de %d alvo(s) e %d porta(s)", len(spec.Targets), len(spec.Ports))
	fmt.Println(strings.Repeat("=", bannerWidth))

	// The sink runs on worker goroutines; rendering stays on this one.
	// The buffer smooths bursts, and the drain loop below keeps workers
	// from ever blocking on it for long.
	capacity := len(spec.Targets) * len(spec.Ports) * protocolCount(spec)
	if capacity > maxResultBuffer {
		capacity = maxResultBuffer
	}
	resultCh := make(chan engine.Result, capacity)
	session, err := eng.Start(ctx, spec, func(r engine.Result) {
		resultCh <- r
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro: %v\n", err)
		os.Exit(1)
	}

	go func() {
		<-session.Done()
		close(resultCh)
	}()

	withTarget := len(spec.Targets) > 1
	var bar *progressbar.ProgressBar
	if isTerminal() {
		bar = newScanProgressBar(session.Total())
	}
	for r := range resultCh {
		if bar != nil {
			_ = bar.Add(1)
			if interesting(r) {
				_ = bar.Clear()
				printResult(r, withTarget)
			}
			continue
		}
		printResult(r, withTarget)
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}

	printSummary(session)

	if scanOutput != "" {
		exportResults(session, scanOutput)
	}
	if scanStore || cfg.IsStoreEnabled() {
		saveHistory(session, cfg)
	}
}

func protocolCount(spec engine.Spec) int {
	n := 0
	if spec.TCP {
		n++
	}
	if spec.UDP {
		n++
	}
	return n
}

// printSummary renders the end-of-scan banner, the open-port table and
// the per-state counts.
func printSummary(session *engine.Session) {
	results := session.Results()

	fmt.Println(strings.Repeat("=", bannerWidth))
	if session.Status() == engine.StatusCancelled {
		color.Yellow("Varredura cancelada: %d de %d sonda(s) concluída(s) em %s",
			session.Completed(), session.Total(), session.Duration().Round(time.Millisecond))
	} else {
		color.Cyan("Varredura concluída: %d sonda(s) em %s",
			session.Completed(), session.Duration().Round(time.Millisecond))
	}

	var reachable []engine.Result
	for _, r := range results {
		if r.State == probe.StateOpen || r.State == probe.StateOpenOrFiltered {
			reachable = append(reachable, r)
		}
	}

	if len(reachable) == 0 {
		color.Yellow("Nenhuma porta aberta encontrada")
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Alvo", "Protocolo", "Porta", "Estado", "Info")
		for _, r := range reachable {
			_ = table.Append([]string{
				r.Target,
				string(r.Protocol),
				strconv.Itoa(r.Port),
				export.DisplayState(r.State),
				r.Diagnostic,
			})
		}
		_ = table.Render()
	}

	counts := export.CountByState(results)
	summary := fmt.Sprintf("Total: %d resultado(s)", len(results))
	for _, state := range []probe.State{
		probe.StateOpen,
		probe.StateOpenOrFiltered,
		probe.StateFiltered,
		probe.StateClosed,
		probe.StateUnknown,
	} {
		if counts[state] > 0 {
			summary += fmt.Sprintf(" | %s: %d", export.DisplayState(state), counts[state])
		}
	}
	fmt.Println(summary)
}

// exportResults writes the session to a file. Failures are notices, not
// fatal errors; the results were already shown.
func exportResults(session *engine.Session, path string) {
	if err := export.WriteFile(path, export.Snapshot(session)); err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao salvar resultados: %v\n", err)
		return
	}
	fmt.Printf("\nResultados salvos em: %s\n", path)
}

// saveHistory persists the finished session to PostgreSQL. Storage
// problems never change the exit code; the scan itself succeeded.
func saveHistory(session *engine.Session, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	db, err := store.Connect(ctx, cfg.Store.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao gravar histórico: %v\n", err)
		return
	}
	defer func() { _ = db.Close() }()

	if err := db.Bootstrap(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao gravar histórico: %v\n", err)
		return
	}

	repo := store.NewRepository(db)
	if err := repo.SaveSession(ctx, store.Record(session), session.Results()); err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao gravar histórico: %v\n", err)
		return
	}
	fmt.Printf("Sessão gravada no histórico: %s\n", session.ID)
}
