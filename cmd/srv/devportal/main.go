package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/logging/zaplogging"
	"github.com/core-tools/hsu-devportal-go/pkg/portal"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"Configuration file path (YAML or TOML)" required:"true"`
	Listen      string `long:"listen" short:"l" description:"Listen address, host:port or unix:///path (overrides portal.listen)"`
	LogLevel    string `long:"log-level" description:"Log level: debug, info, warn, error (overrides portal.log_level)"`
	Development bool   `long:"dev-log" description:"Use zap development logging"`
	Check       bool   `long:"check" description:"Validate the configuration, print a summary and exit"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run (debug feature)"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	config, err := portal.ValidateConfigFile(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if opts.Check {
		out, _ := json.MarshalIndent(portal.GetConfigSummary(config), "", "  ")
		fmt.Println(string(out))
		return
	}

	if opts.LogLevel != "" {
		config.Portal.LogLevel = opts.LogLevel
	}

	zapLogger, err := zaplogging.New(config.Portal.LogLevel, opts.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := zapLogger.Logger(logPrefix("devportal"))
	logger.Infof("Using configuration file: %s", opts.Config)

	err = portal.Run(config, portal.RunOptions{
		Listen:      opts.Listen,
		RunDuration: time.Duration(opts.RunDuration) * time.Second,
	}, logger)
	if err != nil {
		logger.Errorf("Failed to run: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}
