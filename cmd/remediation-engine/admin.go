package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediate/internal/auth"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one background sweep and exit",
	Long: `Run one pass of a background sweep against the configured store and print the result.

The embedded badger store is locked by a running server; use these commands against a SQL
store or while the server is stopped.`,
}

var sweepRetriesCmd = &cobra.Command{
	Use:   "retries",
	Short: "Re-arm failed commands whose retry is due",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		svc, rt, err := openService(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := svc.SweepRetries(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var sweepApprovalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Expire stale approval requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		svc, rt, err := openService(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := svc.SweepApprovals(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage agent credentials",
}

var credentialsCluster, credentialsName string

var credentialsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a cluster if needed and issue a new agent token",
	Long: `Register a cluster if needed and issue a new agent token.

The token is printed once; only its hash is stored.

Examples:
  remediation-engine credentials create --cluster prod-eu-1 --name "Production EU"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		svc, rt, err := openService(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		cluster, token, err := svc.RegisterCluster(cmd.Context(), credentialsCluster, credentialsName)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{
			"cluster_id": cluster.ID,
			"name":       cluster.Name,
			"token":      token,
		})
	},
}

var tokenSubject string
var tokenClusters []string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage operator tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign an operator token",
	Long: `Sign an operator JWT with the configured secret.

Examples:
  # One cluster
  remediation-engine token issue --subject alice --cluster prod-eu-1

  # Every cluster
  remediation-engine token issue --subject oncall --cluster '*'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		manager, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		var clusters []string
		for _, c := range tokenClusters {
			if c = strings.TrimSpace(c); c != "" {
				clusters = append(clusters, c)
			}
		}
		if len(clusters) == 0 {
			return errors.New("at least one --cluster is required")
		}
		token, err := manager.Issue(tokenSubject, clusters)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	sweepCmd.AddCommand(sweepRetriesCmd)
	sweepCmd.AddCommand(sweepApprovalsCmd)

	credentialsCreateCmd.Flags().StringVar(&credentialsCluster, "cluster", "", "cluster id")
	credentialsCreateCmd.Flags().StringVar(&credentialsName, "name", "", "display name (defaults to the cluster id)")
	_ = credentialsCreateCmd.MarkFlagRequired("cluster")
	credentialsCmd.AddCommand(credentialsCreateCmd)

	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "", "operator identity recorded on approvals")
	tokenIssueCmd.Flags().StringSliceVar(&tokenClusters, "cluster", nil, "cluster scope, repeatable; * grants every cluster")
	_ = tokenIssueCmd.MarkFlagRequired("subject")
	_ = tokenIssueCmd.MarkFlagRequired("cluster")
	tokenCmd.AddCommand(tokenIssueCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
