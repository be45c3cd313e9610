package config

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// CLI is the flag surface spec'd for sshbridge. It doubles as the gateway's
// runtime config and the worker's own minimal config when --client is set.
type CLI struct {
	ListenAddress   string `help:"Address to accept TLS connections on." default:"127.0.0.1:7200" validate:"hostname_port"`
	Certificate     string `help:"Path to a PEM certificate. Generates a cached self-signed one if omitted."`
	PrivateKey      string `help:"Path to the PEM private key matching --certificate."`
	Logger          string `help:"Path to a log file. Defaults to stdout."`
	DisableLogger   bool   `help:"Discard all log output."`
	LocalSSHPort    int    `help:"Port the host sshd listens on." default:"22" validate:"gt=0,lte=65535"`
	AssetsPath      string `help:"Directory of static browser assets to serve."`
	Client          string `help:"Run as a worker process authenticated with this token, instead of the gateway." hidden:""`
}

// validate is shared by Parse and tests.
var validate = validator.New()

// Parse loads a .env file into the process environment (if present), parses
// argv with kong, and validates the result. No CLI field is bound to an
// environment variable, so values from .env do not change the parsed flags.
func Parse(args []string) (*CLI, error) {
	_ = godotenv.Load()

	var cli CLI
	parser, err := kong.New(&cli, kong.Name("sshbridge"))
	if err != nil {
		return nil, fmt.Errorf("building CLI parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if cli.Certificate != "" && cli.PrivateKey == "" {
		return nil, fmt.Errorf("--certificate requires --private-key")
	}
	if cli.PrivateKey != "" && cli.Certificate == "" {
		return nil, fmt.Errorf("--private-key requires --certificate")
	}
	if err := validate.Struct(&cli); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cli, nil
}

// SetupLogger builds the process-wide *log.Logger per --logger/--disable-logger,
// matching the teacher's plain-log-package convention rather than a
// structured logging library.
func SetupLogger(cli *CLI) (*log.Logger, func(), error) {
	if cli.DisableLogger {
		return log.New(io.Discard, "", 0), func() {}, nil
	}
	if cli.Logger == "" {
		return log.New(os.Stdout, "", log.LstdFlags), func() {}, nil
	}
	f, err := os.OpenFile(cli.Logger, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return log.New(f, "", log.LstdFlags), func() { f.Close() }, nil
}
