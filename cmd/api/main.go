package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Wikid82/perimeter/internal/config"
	"github.com/Wikid82/perimeter/internal/services"
	"github.com/Wikid82/perimeter/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "perimeter",
		Short:        "Request risk and access perimeter",
		SilenceUsage: true,
		// running without a subcommand serves, matching the container entrypoint
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the perimeter HTTP service",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		newValidatePolicyCmd(),
		newHashAdminTokenCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Name, version.Full())
			},
		},
	)
	return root
}

func newValidatePolicyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-policy [file]",
		Short: "Validate a perimeter policy file without starting the service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := os.Getenv("PERIMETER_POLICY_FILE")
			if len(args) == 1 {
				path = args[0]
			}

			policy := config.DefaultPerimeterConfig()
			if path != "" {
				loaded, err := config.LoadPolicyFile(path)
				if err != nil {
					return err
				}
				policy = loaded
			} else {
				path = "built-in defaults"
			}
			if err := policy.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy OK: %s\n", path)
			return nil
		},
	}
}

func newHashAdminTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-admin-token",
		Short: "Generate an admin token and the bcrypt hash to configure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, hash, err := services.GenerateAdminToken()
			if err != nil {
				return fmt.Errorf("generate admin token: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token: %s\n", token)
			fmt.Fprintf(out, "PERIMETER_ADMIN_TOKEN_HASH=%s\n", hash)
			return nil
		},
	}
}
