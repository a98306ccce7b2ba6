package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/huebyte/echohub/crypto"
	"github.com/huebyte/echohub/db"
)

type encryptSummary struct {
	Scanned   int
	Encrypted int
	Failed    int
}

func (a *app) messagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Maintain stored messages",
	}

	var dryRun bool
	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt messages stored before ENCRYPTION_KEY was configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := a.v.GetString("encryption-key")
			if key == "" {
				return errors.New("ENCRYPTION_KEY is required for encryption")
			}
			enc, err := crypto.NewAESEncryptor(key)
			if err != nil {
				return err
			}
			store, closeDB, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			sum, err := encryptLegacy(cmd.Context(), store, crypto.NewContentCipher(enc), a.v.GetInt("messages.batch-size"), dryRun)
			a.printf("scanned=%d encrypted=%d failed=%d dry_run=%t\n", sum.Scanned, sum.Encrypted, sum.Failed, dryRun)
			return err
		},
	}
	encrypt.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be encrypted without making changes")

	cmd.AddCommand(encrypt)
	return cmd
}

// encryptLegacy walks plaintext rows in seq order and rewrites each with the
// cipher's envelope. Row failures are logged and counted.
func encryptLegacy(ctx context.Context, store *db.Store, cipher *crypto.ContentCipher, batch int, dryRun bool) (encryptSummary, error) {
	var sum encryptSummary
	if batch <= 0 {
		batch = 500
	}
	var after int64
	for {
		rows, err := store.ListLegacyMessages(ctx, after, batch)
		if err != nil {
			return sum, err
		}
		for _, m := range rows {
			after = m.Seq
			sum.Scanned++
			logger := slog.With(slog.String("message_id", m.ID), slog.Int64("seq", m.Seq))
			if dryRun {
				logger.Debug("would encrypt message (dry-run)")
				continue
			}
			stored, err := cipher.Encrypt(m.Content)
			if err == nil {
				err = store.UpdateMessageContent(ctx, m.ID, stored)
			}
			if err != nil {
				logger.Error("failed to encrypt message", slog.Any("err", err))
				sum.Failed++
				continue
			}
			sum.Encrypted++
		}
		if len(rows) < batch {
			break
		}
	}
	slog.Info("encryption summary",
		slog.Int("scanned", sum.Scanned),
		slog.Int("encrypted", sum.Encrypted),
		slog.Int("failed", sum.Failed),
		slog.Bool("dry_run", dryRun))
	if sum.Failed > 0 {
		return sum, fmt.Errorf("encryption completed with %d errors", sum.Failed)
	}
	return sum, nil
}
