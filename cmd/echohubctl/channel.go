package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/huebyte/echohub/chat"
)

func (a *app) channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage channels",
	}

	var topic string
	var private bool
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a channel ahead of its first join",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(_ *cobra.Command, args []string) error {
			return chat.ValidateChannelName(chat.NormalizeChannelName(args[0]))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeDB, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			name := chat.NormalizeChannelName(args[0])
			ch, created, err := store.EnsureChannel(ctx, chat.Channel{
				ID:        uuid.NewString(),
				Name:      name,
				Topic:     topic,
				CreatedBy: "system",
				IsPublic:  !private,
				CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			if !created {
				if cmd.Flags().Changed("topic") {
					if err := store.UpdateChannelTopic(ctx, name, topic); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("private") {
					if err := store.SetChannelPublic(ctx, name, !private); err != nil {
						return err
					}
				}
				a.printf("channel #%s already exists, updated\n", ch.Name)
				return nil
			}
			a.printf("created channel #%s\n", ch.Name)
			return nil
		},
	}
	create.Flags().StringVar(&topic, "topic", "", "Channel topic")
	create.Flags().BoolVar(&private, "private", false, "Hide the channel from channel lists")

	cmd.AddCommand(create)
	return cmd
}
