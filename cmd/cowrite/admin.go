package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"github.com/MarcoPoloResearchLab/cowrite/internal/config"
	"github.com/MarcoPoloResearchLab/cowrite/internal/database"
	"github.com/MarcoPoloResearchLab/cowrite/internal/documents"
	"github.com/MarcoPoloResearchLab/cowrite/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage session tokens",
	}

	var displayName string
	var ttl time.Duration
	issueCmd := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Sign a session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			issued, err := issuer.Issue(args[0], displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), issued.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", issued.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	issueCmd.Flags().StringVar(&displayName, "name", "", "Display name carried in the token")
	issueCmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default 12h)")

	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func newDocumentsCommand() *cobra.Command {
	documentsCmd := &cobra.Command{
		Use:   "documents",
		Short: "Manage documents and their members",
	}

	var documentID, title, content string
	createCmd := &cobra.Command{
		Use:   "create <owner-id>",
		Short: "Create a document owned by a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *documents.Store) error {
				snapshot, err := store.Create(ctx, documents.CreateRequest{
					ID:      documentID,
					OwnerID: changes.UserID(args[0]),
					Title:   title,
					Content: content,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), snapshot.DocumentID)
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&documentID, "id", "", "Document id (generated when empty)")
	createCmd.Flags().StringVar(&title, "title", "", "Document title")
	createCmd.Flags().StringVar(&content, "content", "", "Initial content")

	var role string
	grantCmd := &cobra.Command{
		Use:   "grant <document-id> <user-id>",
		Short: "Let a user collaborate on a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberRole := documents.Role(strings.ToLower(strings.TrimSpace(role)))
			if memberRole != documents.RoleEditor && memberRole != documents.RoleOwner {
				return fmt.Errorf("role must be %s or %s", documents.RoleEditor, documents.RoleOwner)
			}
			return withStore(cmd.Context(), func(ctx context.Context, store *documents.Store) error {
				return store.Grant(ctx, changes.DocumentID(args[0]), changes.UserID(args[1]), memberRole)
			})
		},
	}
	grantCmd.Flags().StringVar(&role, "role", string(documents.RoleEditor), "Member role (editor, owner)")

	documentsCmd.AddCommand(createCmd, grantCmd)
	return documentsCmd
}

func withStore(ctx context.Context, run func(context.Context, *documents.Store) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := documents.NewStore(documents.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	storeCtx, cancel := context.WithTimeout(ctx, appConfig.StoreTimeout)
	defer cancel()
	if err := run(storeCtx, store); err != nil {
		logger.Error("document command failed", zap.Error(err))
		return err
	}
	return nil
}
