package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/samber/do"
	"go.uber.org/zap"

	"athlete-tool/cmd/collector/cmd"
	"athlete-tool/internal/api/catapult"
)

const (
	envFile = "./.env"
)

type envVars struct {
	APIKey  string        `env:"MSOC_API_KEY"`
	Region  string        `env:"CATAPULT_REGION" envDefault:"us"`
	BaseURL string        `env:"CATAPULT_BASE_URL"`
	Timeout time.Duration `env:"CATAPULT_TIMEOUT" envDefault:"60s"`
	RPS     float64       `env:"CATAPULT_RPS" envDefault:"2"`
}

var ev envVars

func init() {
	_, err := os.Stat(envFile)
	if err == nil {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Printf("failed to load .env file: %v\n", err)
			os.Exit(1)
		}
	} else if !os.IsNotExist(err) {
		fmt.Printf("failed to check env file existence: %v\n", err)
		os.Exit(1)
	}

	ev, err = env.ParseAs[envVars]()
	if err != nil {
		fmt.Printf("failed to parse environment variables: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	injector := do.New()
	do.Provide(injector, func(i *do.Injector) (*zap.Logger, error) {
		return zap.NewDevelopment()
	})
	do.Provide(injector, func(i *do.Injector) (*catapult.Client, error) {
		if ev.APIKey == "" {
			return nil, errors.New("MSOC_API_KEY is not set, check your environment or .env file")
		}

		return catapult.NewClient(catapult.Config{
			Token:             ev.APIKey,
			Region:            ev.Region,
			BaseURL:           ev.BaseURL,
			Timeout:           ev.Timeout,
			RequestsPerSecond: ev.RPS,
		}), nil
	})

	command := cmd.NewRootCmd(injector)
	command.SetContext(ctx)

	if err := command.Execute(); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}
