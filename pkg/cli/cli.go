package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/elad-bar/ha-blueiris/pkg/app"
	"github.com/elad-bar/ha-blueiris/pkg/common"
	"github.com/elad-bar/ha-blueiris/pkg/config"
	"github.com/elad-bar/ha-blueiris/pkg/passwords"
	"github.com/elad-bar/ha-blueiris/pkg/storage"
)

const AppName = "ha-blueiris-bridge"

const oneShotTimeout = 2 * time.Minute

type CLI struct {
	app    *app.Application
	logger *logrus.Logger
	out    io.Writer
}

func NewCLI() *CLI {
	return &CLI{out: os.Stdout}
}

func (c *CLI) Run(args []string) error {
	cmd := &cli.Command{
		Name:    AppName,
		Usage:   "Blue Iris bridge for Home Assistant over MQTT discovery",
		Version: common.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "config.yaml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Set log level (debug, info, warn, error)",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "list-cameras",
				Usage: "Log in to Blue Iris, list the cameras and exit",
			},
			&cli.BoolFlag{
				Name:  "encrypt-password",
				Usage: "Prompt for the Blue Iris password and print its encrypted form for the config file",
			},
			&cli.BoolFlag{
				Name:  "generate-config-files",
				Usage: "Write Lovelace and helper YAML after the next successful update",
			},
			&cli.BoolFlag{
				Name:  "purge",
				Usage: "Remove every entity and device announced to Home Assistant and exit",
			},
		},
		Action: c.runApp,
	}

	return cmd.Run(context.Background(), args)
}

func (c *CLI) runApp(ctx context.Context, cmd *cli.Command) error {
	c.logger = c.setupLogger(cmd)

	if cmd.Bool("encrypt-password") {
		return c.encryptPassword(cmd)
	}

	// If no config file exists at default location and no explicit config provided,
	// show help instead of failing
	configPath := cmd.String("config")
	if !cmd.IsSet("config") && configPath == "config.yaml" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if helpErr := cli.ShowAppHelp(cmd); helpErr != nil {
				return fmt.Errorf("failed to show help: %w", helpErr)
			}
			return fmt.Errorf("no configuration found - create config.yaml or specify with --config")
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	c.applyConfigLogging(cmd, cfg)

	if cmd.Bool("generate-config-files") {
		store := storage.NewStore(cfg.Storage.Path)
		if err := store.SetGenerateConfigFiles(cfg.BlueIris.Title, true); err != nil {
			return fmt.Errorf("failed to request config files: %w", err)
		}
		c.logger.WithField("dir", cfg.Storage.ConfigDir).Info("Config files will be generated after the next update")
	}

	c.logger.Infof("Starting %s v%s", AppName, common.GetVersion())

	c.app = app.NewApplication(cfg, c.logger, common.GetVersion())
	if err := c.app.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	switch {
	case cmd.Bool("list-cameras"):
		return c.listCameras(ctx)
	case cmd.Bool("purge"):
		return c.purge(ctx)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.app.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	c.logger.Info("Shutdown requested")

	return c.app.Stop()
}

func (c *CLI) setupLogger(cmd *cli.Command) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if level, err := logrus.ParseLevel(cmd.String("log-level")); err == nil {
		logger.SetLevel(level)
	}

	return logger
}

func (c *CLI) applyConfigLogging(cmd *cli.Command, cfg *config.Config) {
	if !cmd.IsSet("log-level") {
		if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
			c.logger.SetLevel(level)
		}
	}
	if cfg.Logging.Format == "json" {
		c.logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

func (c *CLI) listCameras(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()

	cameras, err := c.app.ListCameras(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cameras: %w", err)
	}

	if len(cameras) == 0 {
		fmt.Fprintln(c.out, "No cameras found - check the user has access to the cameras")
		return nil
	}

	fmt.Fprintf(c.out, "Found %d camera(s):\n\n", len(cameras))
	fmt.Fprintln(c.out, "Use the ids to configure the allow lists:")
	fmt.Fprintln(c.out, "allowed:")
	fmt.Fprintln(c.out, "  camera: [\"Cam1\"]")
	fmt.Fprintln(c.out, "")

	for i, camera := range cameras {
		kind := "camera"
		switch {
		case camera.IsSystem:
			kind = "system"
		case camera.IsGroup:
			kind = "group"
		}

		fmt.Fprintf(c.out, "%d. %s (%s)\n", i+1, camera.Name, kind)
		fmt.Fprintf(c.out, "   ID: %s\n", camera.ID)
		fmt.Fprintf(c.out, "   Online: %t, Audio: %t\n", camera.IsOnline, camera.HasAudio)
		fmt.Fprintln(c.out, "")
	}

	return nil
}

func (c *CLI) purge(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()

	if err := c.app.Purge(ctx); err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}
	fmt.Fprintln(c.out, "All Blue Iris entities and devices removed from Home Assistant")
	return nil
}

// encryptPassword works without a valid configuration so it can be run
// before the config file is complete. Only the storage path is read.
func (c *CLI) encryptPassword(cmd *cli.Command) error {
	storagePath := config.DefaultStoragePath
	if cfg, err := config.LoadConfig(cmd.String("config")); err == nil {
		storagePath = cfg.Storage.Path
	} else if cmd.IsSet("config") {
		return fmt.Errorf("configuration error: %w", err)
	}

	plain, err := getPassword(c.out)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(plain) == 0 {
		return fmt.Errorf("password must not be empty")
	}

	manager := passwords.NewManager(storage.NewStore(storagePath), c.logger)
	encrypted, err := manager.Encrypt(string(plain))
	clear(plain)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.out, "Set blueiris.password in the config file to:")
	fmt.Fprintln(c.out, encrypted)
	return nil
}
