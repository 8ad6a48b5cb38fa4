// attention-monitor reads face/eye observations from a detector sidecar and
// records inattention events against the driver's active session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"drivewatch/internal/app"
	"drivewatch/internal/model"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "config file (yaml or json); defaults plus DRIVEWATCH_* env when empty")
	envFile := flag.String("env", ".env", "dotenv file with DRIVEWATCH_* overrides")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := app.Run(ctx, app.Options{
		Source:     model.SourceVision,
		ConfigPath: *configPath,
		EnvFiles:   []string{*envFile},
		Version:    version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "attention-monitor: %v\n", err)
		os.Exit(1)
	}
}
