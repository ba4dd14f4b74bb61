package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/klinikly/chatsync/internal/daemon"
	"github.com/klinikly/chatsync/internal/session"
)

func main() {
	conversationFlag := flag.String("conversation", "", "conversation id to sync")
	userFlag := flag.String("user", "", "sender id for outgoing messages")
	configFlag := flag.String("config", "", "config file path (default ~/.chatsync/config.toml)")
	flag.Parse()

	if *conversationFlag == "" || *userFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: chatsyncd -conversation <id> -user <id> [-config <path>]")
		os.Exit(2)
	}
	if err := session.ValidateConversationID(*conversationFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ConversationID: *conversationFlag,
			UserID:         *userFlag,
			ConfigPath:     *configFlag,
		}),
	)

	app.Run()
}
