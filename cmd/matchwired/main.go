package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/matchwire/internal/daemon"
	"github.com/matheus3301/matchwire/internal/session"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	offline := flag.Bool("offline", false, "start without connecting")
	flag.Parse()

	profileName := session.Resolve(*profileFlag)
	if err := session.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, NoConnect: *offline}),
	)

	app.Run()
}
