package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/mfreitas/pigeon/internal/daemon"
	"github.com/mfreitas/pigeon/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "authenticated user ID")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	userID := *userFlag
	if userID == "" {
		userID = os.Getenv("PIGEON_USER")
	}
	if userID == "" {
		fmt.Fprintln(os.Stderr, "error: user ID required (-user flag or PIGEON_USER)")
		os.Exit(1)
	}
	token := os.Getenv("PIGEON_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "error: PIGEON_TOKEN not set")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			UserID:      userID,
			Token:       token,
		}),
	)

	app.Run()
}
