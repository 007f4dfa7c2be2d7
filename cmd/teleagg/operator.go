package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/mohammad-safakhou/teleagg/config"
	"github.com/mohammad-safakhou/teleagg/internal/store"
)

func operatorCMD(cfgPath *string) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "operator",
		Short: "Manage API operators",
	}

	var email, password, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an operator with a bcrypt-hashed password",
		RunE: func(cmd *cobra.Command, args []string) error {
			role = strings.ToLower(strings.TrimSpace(role))
			if err := validateOperator(email, password, role); err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			cfg := config.LoadConfig(*cfgPath)
			ctx := context.Background()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			id, err := st.CreateOperator(ctx, strings.TrimSpace(email), string(hash), role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created operator %s (%s)\n", id, role)
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "operator email")
	add.Flags().StringVar(&password, "password", "", "operator password (min 8 chars)")
	add.Flags().StringVar(&role, "role", store.RoleViewer, "admin or viewer")
	cmd.AddCommand(add)
	return cmd
}

func validateOperator(email, password, role string) error {
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("--email required")
	}
	if len(password) < 8 {
		return fmt.Errorf("--password must be at least 8 characters")
	}
	if role != store.RoleAdmin && role != store.RoleViewer {
		return fmt.Errorf("--role must be %s or %s", store.RoleAdmin, store.RoleViewer)
	}
	return nil
}
