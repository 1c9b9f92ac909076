// Command wsclient is a terminal client for the shelterlink WebSocket API.
//
//	wsclient token --secret dev --user u1 --email a@b.c --role first_responder
//	wsclient listen --url ws://localhost:8080/ws --token $TOKEN
//	wsclient send --token $TOKEN --action alert --data '{"title":"Flooding"}'
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vmorsell/shelterlink/internal/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:          "wsclient",
		Short:        "Listen to and send shelterlink messages",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadEnvFiles(".env", ".env.local")
		},
	}
	cmd.PersistentFlags().String("url", config.DefaultWSURL, "WebSocket endpoint")
	_ = v.BindPFlag(config.KeyWSURL, cmd.PersistentFlags().Lookup("url"))

	cmd.AddCommand(
		newListenCmd(v),
		newSendCmd(v),
		newTokenCmd(v),
	)
	return cmd
}
