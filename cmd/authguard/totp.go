package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/authguard/internal/security/totp"
)

func newTOTPCmd(opts *rootOpts) *cobra.Command {
	totpCmd := &cobra.Command{
		Use:   "totp",
		Short: "Utilidades TOTP",
	}

	var secret string
	var at int64
	codeCmd := &cobra.Command{
		Use:   "code",
		Short: "Imprime el código TOTP actual para un secreto base32",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret es requerido")
			}
			raw, err := totp.DecodeSecret(secret)
			if err != nil {
				return err
			}
			t := time.Now()
			if at > 0 {
				t = time.Unix(at, 0)
			}
			code := totp.CodeAt(raw, t)
			remaining := totp.Period - t.Unix()%totp.Period
			if opts.out == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"code":              code,
					"counter":           totp.Counter(t),
					"remaining_seconds": remaining,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (válido %ds)\n", code, remaining)
			return nil
		},
	}
	codeCmd.Flags().StringVar(&secret, "secret", "", "Secreto compartido en base32")
	codeCmd.Flags().Int64Var(&at, "at", 0, "Unix time a usar en lugar de ahora")

	totpCmd.AddCommand(codeCmd)
	return totpCmd
}
