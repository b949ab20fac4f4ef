package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meltsec/meltscan/internal/auth"
)

// keygenCmd represents the keygen command.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Gera uma chave de API para o modo serve",
	Long: `Gera uma chave de API aleatória e o hash bcrypt correspondente.
Adicione o hash em api.api_keys na configuração e habilite
api.auth_enabled; a chave em texto claro não é armazenada e só
aparece nesta saída.`,
	Run: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(_ *cobra.Command, _ []string) {
	generated, err := auth.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao gerar chave: %v\n", err)
		os.Exit(1)
	}

	color.Green("Chave de API gerada (%s)", generated.Display)
	fmt.Printf("\n  Chave: %s\n\n", generated.Key)
	fmt.Println("Guarde a chave em local seguro e adicione o hash à configuração:")
	fmt.Printf("\napi:\n  auth_enabled: true\n  api_keys:\n    - %q\n", generated.Hash)
}
