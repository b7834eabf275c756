// Package cliconfig parses SentryFlow's command-line surface (spec.md §6).
// It follows cmd/get's hand-rolled os.Args scanning rather than a flags
// library: the surface is small and every option needs bespoke validation
// (port range, strategy name, 4-field route records) that a generic flag
// parser would not give cleanly.
package cliconfig

import (
	"fmt"
	"net"
	"strconv"

	"github.com/runzero/sentryflow/internal/dispatch"
	"github.com/runzero/sentryflow/internal/routing"
)

// DefaultBindAddr and DefaultPort are spec.md §6's stated defaults.
const (
	DefaultBindAddr = "0.0.0.0"
	DefaultPort     = 9000
)

// Config is the parsed CLI surface, ready to become a server.Config.
type Config struct {
	SelfTest    bool
	BindAddr    string
	Port        int
	Strategy    dispatch.Strategy
	Routes      []routing.Entry
	MetricsBind string
}

// ParseError wraps an argument failure; main maps it to exit code 2
// (spec.md §6: "2 argument parse failure").
type ParseError struct {
	Arg string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cliconfig: %s: %v", e.Arg, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse scans argv (excluding the program name, i.e. os.Args[1:]) for
// --self-test, --bind, --port, --strategy and repeatable --route.
func Parse(argv []string) (Config, error) {
	cfg := Config{
		BindAddr: DefaultBindAddr,
		Port:     DefaultPort,
		Strategy: dispatch.StrategyDirect,
	}

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch arg {
		case "--self-test":
			cfg.SelfTest = true

		case "--bind":
			v, err := nextArg(argv, &i, arg)
			if err != nil {
				return cfg, err
			}
			cfg.BindAddr = v

		case "--port":
			v, err := nextArg(argv, &i, arg)
			if err != nil {
				return cfg, err
			}
			port, err := strconv.Atoi(v)
			if err != nil || port < 1 || port > 65535 {
				return cfg, &ParseError{Arg: arg, Err: fmt.Errorf("port %q out of range 1..65535", v)}
			}
			cfg.Port = port

		case "--strategy":
			v, err := nextArg(argv, &i, arg)
			if err != nil {
				return cfg, err
			}
			switch v {
			case "direct":
				cfg.Strategy = dispatch.StrategyDirect
			case "hop":
				cfg.Strategy = dispatch.StrategyHop
			default:
				return cfg, &ParseError{Arg: arg, Err: fmt.Errorf("unknown strategy %q", v)}
			}

		case "--metrics-bind":
			v, err := nextArg(argv, &i, arg)
			if err != nil {
				return cfg, err
			}
			cfg.MetricsBind = v

		case "--route":
			entry, consumed, err := parseRoute(argv[i+1:])
			if err != nil {
				return cfg, &ParseError{Arg: arg, Err: err}
			}
			cfg.Routes = append(cfg.Routes, entry)
			i += consumed

		default:
			return cfg, &ParseError{Arg: arg, Err: fmt.Errorf("unrecognized option")}
		}
	}

	return cfg, nil
}

// BindAddress joins BindAddr and Port into the address server.Config wants.
func (c Config) BindAddress() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}

func nextArg(argv []string, i *int, flag string) (string, error) {
	if *i+1 >= len(argv) {
		return "", &ParseError{Arg: flag, Err: fmt.Errorf("missing value")}
	}
	*i++
	return argv[*i], nil
}

// parseRoute consumes the four positional fields following --route:
// <prefix> <maskBits> <nextHop> <metric>. It returns how many extra argv
// elements (beyond --route itself) it consumed.
func parseRoute(rest []string) (routing.Entry, int, error) {
	if len(rest) < 4 {
		return routing.Entry{}, 0, fmt.Errorf("--route needs 4 fields: prefix maskBits nextHop metric")
	}

	prefix, err := routing.ParseIPv4(rest[0])
	if err != nil {
		return routing.Entry{}, 0, fmt.Errorf("prefix: %w", err)
	}
	maskBits, err := strconv.Atoi(rest[1])
	if err != nil || maskBits < 0 || maskBits > 32 {
		return routing.Entry{}, 0, fmt.Errorf("maskBits %q out of range 0..32", rest[1])
	}
	nextHop, err := routing.ParseIPv4(rest[2])
	if err != nil {
		return routing.Entry{}, 0, fmt.Errorf("nextHop: %w", err)
	}
	metric, err := strconv.Atoi(rest[3])
	if err != nil || metric < 0 || metric > 65535 {
		return routing.Entry{}, 0, fmt.Errorf("metric %q out of range 0..65535", rest[3])
	}

	return routing.Entry{
		Prefix:   prefix,
		MaskBits: uint8(maskBits),
		NextHop:  nextHop,
		Metric:   uint16(metric),
	}, 4, nil
}
