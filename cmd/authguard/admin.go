package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/authguard/internal/app"
	"github.com/dropDatabas3/authguard/internal/audit"
	"github.com/dropDatabas3/authguard/internal/observability/logger"
)

func newAdminCmd(opts *rootOpts) *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Overrides manuales de lockout y bloqueo de IP sobre el store configurado",
	}

	var subject, ip string

	unlockCmd := &cobra.Command{
		Use:   "unlock",
		Short: "Desbloquea una cuenta y resetea su contador de fallos",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject es requerido")
			}
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				if err := a.Throttle.ManualUnlockAccount(ctx, subject); err != nil {
					return err
				}
				audit.Log(ctx, audit.EventAdminUnlock, logger.Subject(subject), logger.String("via", "cli"))
				fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", subject)
				return nil
			})
		},
	}
	unlockCmd.Flags().StringVar(&subject, "subject", "", "Identificador del usuario")

	unblockCmd := &cobra.Command{
		Use:   "unblock",
		Short: "Quita el bloqueo de una IP y resetea sus fallos",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(ip) == "" {
				return fmt.Errorf("--ip es requerido")
			}
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				if err := a.Throttle.ManualUnblockIP(ctx, ip); err != nil {
					return err
				}
				audit.Log(ctx, audit.EventAdminUnblock, logger.ClientIP(ip), logger.String("via", "cli"))
				fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", ip)
				return nil
			})
		},
	}
	unblockCmd.Flags().StringVar(&ip, "ip", "", "Dirección IP")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Muestra fallos, lockout, bloqueo de IP y nivel de riesgo",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App) error {
				st, err := a.Throttle.Status(ctx, subject, ip)
				if err != nil {
					return err
				}
				if opts.out == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"subject":         subject,
						"ip":              ip,
						"failed_attempts": st.FailedAttempts,
						"account_locked":  st.AccountLocked,
						"unlock_at":       fmtTime(st.UnlockAt),
						"ip_failures":     st.IPFailures,
						"ip_blocked":      st.IPBlocked,
						"blocked_until":   fmtTime(st.BlockedUntil),
						"risk":            string(st.Risk),
					})
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "failed_attempts: %d\n", st.FailedAttempts)
				fmt.Fprintf(w, "account_locked:  %v %s\n", st.AccountLocked, fmtTime(st.UnlockAt))
				fmt.Fprintf(w, "ip_failures:     %d\n", st.IPFailures)
				fmt.Fprintf(w, "ip_blocked:      %v %s\n", st.IPBlocked, fmtTime(st.BlockedUntil))
				fmt.Fprintf(w, "risk:            %s\n", st.Risk)
				return nil
			})
		},
	}
	statusCmd.Flags().StringVar(&subject, "subject", "", "Identificador del usuario")
	statusCmd.Flags().StringVar(&ip, "ip", "", "Dirección IP")

	adminCmd.AddCommand(unlockCmd, unblockCmd, statusCmd)
	return adminCmd
}

func withApp(opts *rootOpts, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	// con el store en memoria los cambios morirían con este proceso
	if cfg.Cache.Kind != "redis" {
		return fmt.Errorf("admin requiere cache.kind=redis (actual: %q)", cfg.Cache.Kind)
	}
	a, err := app.New(cfg, app.Deps{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, a)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
