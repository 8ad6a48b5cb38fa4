// sensor-monitor reads the wearable's frame link, scores driving events and
// owns the driver's monitoring session.
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
		Source:     model.SourceSensor,
		ConfigPath: *configPath,
		EnvFiles:   []string{*envFile},
		Version:    version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sensor-monitor: %v\n", err)
		os.Exit(1)
	}
}
