// Package config implements the two-step flag+env configuration pattern
// used by both cmd/gateway and cmd/runner-connector: flags establish
// defaults and documentation, then the Resolve* helpers let an environment
// variable of the same name (upper-cased, dashes to underscores, PEGBOARD_
// prefixed) override a flag's value. A set variable wins even over a value
// given on the command line. Both binaries pass only the broker flags
// through this step; their other flags take no environment override.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// ResolveString returns the env override for flagName if set, else
// fallback. Mirrors the teacher's ResolveCommandPath env-override idiom.
func ResolveString(flagName, fallback string) string {
	if v := os.Getenv(envName(flagName)); v != "" {
		return v
	}
	return fallback
}

// ResolveInt parses an int env override, falling back to fallback on
// absence or parse failure.
func ResolveInt(flagName string, fallback int) int {
	if v := os.Getenv(envName(flagName)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// ResolveBool parses a bool env override, falling back to fallback on
// absence or parse failure.
func ResolveBool(flagName string, fallback bool) bool {
	if v := os.Getenv(envName(flagName)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// ResolveDuration parses a duration env override, falling back to fallback
// on absence or parse failure.
func ResolveDuration(flagName string, fallback time.Duration) time.Duration {
	if v := os.Getenv(envName(flagName)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envName(flagName string) string {
	return "PEGBOARD_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// BrokerFlags are the flags shared by both binaries for dialing the broker.
type BrokerFlags struct {
	Host       *string
	Port       *int
	Password   *string
	DB         *int
	TLSEnabled *bool
}

// RegisterBrokerFlags registers the standard broker dial flags on fs.
func RegisterBrokerFlags(fs *flag.FlagSet) BrokerFlags {
	return BrokerFlags{
		Host:       fs.String("broker-host", "localhost", "Broker (Redis) host."),
		Port:       fs.Int("broker-port", 6379, "Broker (Redis) port."),
		Password:   fs.String("broker-password", "", "Broker (Redis) password."),
		DB:         fs.Int("broker-db", 0, "Broker (Redis) logical database index."),
		TLSEnabled: fs.Bool("broker-tls", false, "Enable TLS for the broker connection."),
	}
}

// Resolved applies the env-override step after flag.Parse has run.
func (b BrokerFlags) Resolved() (host string, port int, password string, db int, tlsEnabled bool) {
	return ResolveString("broker-host", *b.Host),
		ResolveInt("broker-port", *b.Port),
		ResolveString("broker-password", *b.Password),
		ResolveInt("broker-db", *b.DB),
		ResolveBool("broker-tls", *b.TLSEnabled)
}
