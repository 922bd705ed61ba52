package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/siawfish/kyoos-sub001/internal/daemon"
	"github.com/siawfish/kyoos-sub001/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	apiFlag := flag.String("api", "", "control API listen address (overrides settings api_addr)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, APIAddr: *apiFlag}),
	)

	app.Run()
}
