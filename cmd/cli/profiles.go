package cli

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/meltsec/meltscan/internal/profiles"
)

// profilesCmd represents the profiles command.
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Lista os perfis de varredura disponíveis",
	Long: `Lista os perfis de varredura embutidos e os definidos na
configuração. Um perfil agrupa portas, protocolos e modo de sonda
e é selecionado com 'meltscan scan --preset NOME'.`,
	Run: runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func runProfiles(_ *cobra.Command, _ []string) {
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

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Nome", "Descrição", "Portas", "Protocolos", "Modo", "Origem")
	for _, p := range manager.All() {
		origin := "config"
		if p.BuiltIn {
			origin = "embutido"
		}
		_ = table.Append([]string{
			p.Name,
			p.Description,
			p.Ports,
			p.Protocols(),
			p.Mode(),
			origin,
		})
	}
	_ = table.Render()
}
