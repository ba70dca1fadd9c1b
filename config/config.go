package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/john/reprap_telnet/logging"
)

type Config struct {
	Printer PrinterConfig  `yaml:"printer"`
	FTP     FTPConfig      `yaml:"ftp"`
	Logging logging.Config `yaml:"logging"`
}

type PrinterConfig struct {
	Host       string `yaml:"host"`
	TelnetPort int    `yaml:"telnet_port"`
	// FTPPort is where the printer's FTP server listens. Only the upload
	// package connects to it.
	FTPPort int `yaml:"ftp_port"`
	// DialTimeout is how long to wait for the telnet connection, in seconds.
	DialTimeout int `yaml:"dial_timeout"`
}

type FTPConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// Timeout applies to each FTP operation, in seconds.
	Timeout int `yaml:"timeout"`
	// RemoteDir is where uploaded gcode files are stored on the printer.
	RemoteDir string `yaml:"remote_dir"`
}

func DefaultConfig() *Config {
	return &Config{
		Printer: PrinterConfig{
			TelnetPort:  23,
			FTPPort:     21,
			DialTimeout: 10,
		},
		FTP: FTPConfig{
			User:      "anonymous",
			Timeout:   30,
			RemoteDir: "/gcodes",
		},
		Logging: logging.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file over the defaults and applies environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if host := os.Getenv("REPRAP_HOST"); host != "" {
		c.Printer.Host = host
	}
	for _, o := range []struct {
		name string
		dst  *int
	}{
		{"REPRAP_TELNET_PORT", &c.Printer.TelnetPort},
		{"REPRAP_FTP_PORT", &c.Printer.FTPPort},
	} {
		v := os.Getenv(o.name)
		if v == "" {
			continue
		}
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
		*o.dst = port
	}
	return nil
}

// Validate checks that a printer endpoint is usable.
func (c *Config) Validate() error {
	if c.Printer.Host == "" {
		return errors.New("printer host is required")
	}
	for name, port := range map[string]int{
		"telnet_port": c.Printer.TelnetPort,
		"ftp_port":    c.Printer.FTPPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("printer %s %d out of range", name, port)
		}
	}
	return nil
}

func (p *PrinterConfig) TelnetAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.TelnetPort))
}

func (p *PrinterConfig) FTPAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.FTPPort))
}
