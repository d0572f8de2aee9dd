package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	gateway "github.com/your-org/roadrunner-sentry-gateway"
)

func main() {
	app := &cli.App{
		Name:  "sentry-gateway",
		Usage: "Send test events to Sentry through the gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dsn",
				Usage:   "Sentry DSN, events are only logged when empty",
				EnvVars: []string{"SENTRY_DSN"},
			},
			&cli.StringFlag{
				Name:    "environment",
				Usage:   "Active environment",
				Value:   "production",
				EnvVars: []string{"SENTRY_ENVIRONMENT"},
			},
			&cli.StringSliceFlag{
				Name:  "enabled-environment",
				Usage: "Environment in which events are sent (repeatable)",
				Value: cli.NewStringSlice("production", "staging"),
			},
			&cli.StringSliceFlag{
				Name:  "tag",
				Usage: "Tag attached to every event, as key=value (repeatable)",
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "Timeout when connecting to Sentry, in seconds",
				Value: 10,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Show underlying transmission errors",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "message",
				Usage:     "Capture a message",
				ArgsUsage: "<message>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "level", Value: "info"},
					&cli.StringFlag{Name: "culprit"},
					&cli.BoolFlag{Name: "stack", Usage: "Attach a stack trace"},
				},
				Action: func(c *cli.Context) error {
					return withGateway(c, func(g *gateway.Gateway) (gateway.Result, error) {
						return g.CaptureMessage(c.Args().First(), nil, &gateway.CaptureOptions{
							Level:   c.String("level"),
							Culprit: c.String("culprit"),
						}, c.Bool("stack"), nil)
					})
				},
			},
			{
				Name:      "exception",
				Usage:     "Capture an exception",
				ArgsUsage: "<message>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "class", Value: "RuntimeException"},
				},
				Action: func(c *cli.Context) error {
					return withGateway(c, func(g *gateway.Gateway) (gateway.Result, error) {
						return g.CaptureException(&gateway.RemoteException{
							Class:   c.String("class"),
							Message: c.Args().First(),
						}, nil, "", nil)
					})
				},
			},
			{
				Name:      "query",
				Usage:     "Capture a database query",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "level", Value: "info"},
					&cli.StringFlag{Name: "engine"},
				},
				Action: func(c *cli.Context) error {
					return withGateway(c, func(g *gateway.Gateway) (gateway.Result, error) {
						return g.CaptureQuery(c.Args().First(), c.String("level"), c.String("engine"))
					})
				},
			},
			{
				Name:  "logs",
				Usage: "Route log lines read from stdin through the log route",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "level", Value: "error"},
					&cli.StringFlag{Name: "category", Value: "stdin"},
				},
				Action: routeLogs,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newGateway(c *cli.Context, log *zap.Logger) (*gateway.Gateway, error) {
	cfg := &gateway.Config{
		Enabled:             true,
		DSN:                 c.String("dsn"),
		Environment:         c.String("environment"),
		EnabledEnvironments: c.StringSlice("enabled-environment"),
		Debug:               c.Bool("debug"),
		Options: gateway.ClientOptions{
			Timeout: c.Int("timeout"),
			Tags:    map[string]string{},
		},
	}

	for _, tag := range c.StringSlice("tag") {
		key, value, ok := strings.Cut(tag, "=")
		if !ok {
			return nil, fmt.Errorf("invalid tag %q, expected key=value", tag)
		}
		cfg.Options.Tags[key] = value
	}

	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return gateway.NewGateway(cfg, log)
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.Bool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func withGateway(c *cli.Context, capture func(*gateway.Gateway) (gateway.Result, error)) error {
	if c.Args().Len() == 0 {
		return errors.New("missing argument")
	}

	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	g, err := newGateway(c, log)
	if err != nil {
		return err
	}
	defer closeGateway(g, log)

	result, err := capture(g)
	if err != nil {
		return err
	}

	if !result.Captured {
		fmt.Println("event was not captured")
		return nil
	}

	fmt.Println(result.EventID)
	return nil
}

func routeLogs(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	g, err := newGateway(c, log)
	if err != nil {
		return err
	}
	defer closeGateway(g, log)

	route, err := gateway.NewLogRoute(g, log.Named("log_route"))
	if err != nil {
		return err
	}

	level, err := zapcore.ParseLevel(c.String("level"))
	if err != nil {
		return err
	}

	routed := zap.New(gateway.NewCore(route, zapcore.DebugLevel, 0)).Named(c.String("category"))

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			routed.Log(level, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	return routed.Sync()
}

func closeGateway(g *gateway.Gateway, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.Close(ctx); err != nil {
		log.Warn("Failed to close gateway", zap.Error(err))
	}
}
