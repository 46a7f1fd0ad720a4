package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/authguard/internal/audit"
	"github.com/dropDatabas3/authguard/internal/mfa"
	"github.com/dropDatabas3/authguard/internal/observability/logger"
	tokens "github.com/dropDatabas3/authguard/internal/security/token"
)

func newMFACmd(opts *rootOpts) *cobra.Command {
	mfaCmd := &cobra.Command{
		Use:   "mfa",
		Short: "Enrolamiento de segundo factor",
	}

	var subject string
	enrollCmd := &cobra.Command{
		Use:   "enroll",
		Short: "Genera secreto TOTP, URI otpauth y códigos de respaldo (se muestran una sola vez)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject es requerido")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			m := mfa.NewManager(mfa.Config{
				Issuer:      cfg.MFA.Issuer,
				BackupCodes: cfg.MFA.BackupCodes,
				Rand:        tokens.Default,
			})
			e, err := m.Enroll(subject)
			if err != nil {
				return err
			}
			audit.Log(context.Background(), audit.EventMFAEnrolled, logger.Subject(subject))

			if opts.out == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"subject":            e.Subject,
					"secret":             e.Secret,
					"provisioning_uri":   e.ProvisioningURI,
					"backup_codes":       e.BackupCodes,
					"backup_code_hashes": e.BackupCodeHashes,
				})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "subject: %s\n", e.Subject)
			fmt.Fprintf(w, "secret:  %s\n", e.Secret)
			fmt.Fprintf(w, "uri:     %s\n", e.ProvisioningURI)
			fmt.Fprintln(w, "backup codes (guardar ahora, no se vuelven a mostrar):")
			for i, c := range e.BackupCodes {
				fmt.Fprintf(w, "  %s  %s\n", c, e.BackupCodeHashes[i])
			}
			return nil
		},
	}
	enrollCmd.Flags().StringVar(&subject, "subject", "", "Identificador del usuario")

	mfaCmd.AddCommand(enrollCmd)
	return mfaCmd
}
