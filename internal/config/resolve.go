package config

import (
	"fmt"
	"net/url"
	"strings"
)

// dockerServiceHost is the compose service name the database is reachable
// under when this process runs inside the application's Docker network.
const dockerServiceHost = "postgres"

// ResolveDSN selects the connection string for the primary pool.
//
// Priority:
//  1. Explicit DATABASE_URL
//  2. DATABASE_URL_DOCKER when running inside Docker
//  3. Docker service-name URL built from discrete settings (inside Docker)
//  4. Discrete PG* settings (host network)
//
// Resolution is pure string selection; no network I/O occurs and no error
// is possible. With zero configuration the development loopback default
// from setDefaults applies.
func (c *Config) ResolveDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.RunningInDocker {
		if c.DatabaseURLDocker != "" {
			return c.DatabaseURLDocker
		}
		return c.postgresURL(dockerServiceHost)
	}
	return c.PostgresConnectionString()
}

// FallbackDSNs returns the ordered list of alternate connection strings the
// pool wrapper rotates through when the primary keeps failing. Alternates
// cover the usual Docker-vs-host mismatches: the compose service name, the
// host loopback by name and by address, and the stock "postgres" database.
// The primary DSN and duplicates are excluded.
func (c *Config) FallbackDSNs() []string {
	primary := c.ResolveDSN()

	candidates := []string{
		c.DatabaseURLDocker,
		c.postgresURL(dockerServiceHost),
		c.postgresURL("localhost"),
		c.postgresURL("127.0.0.1"),
		c.postgresURLWithDB("localhost", "postgres"),
	}

	seen := map[string]bool{primary: true}
	var out []string
	for _, dsn := range candidates {
		if dsn == "" || seen[dsn] {
			continue
		}
		seen[dsn] = true
		out = append(out, dsn)
	}
	return out
}

// quoteDSNValue quotes a value for PostgreSQL key=value DSN format.
// Within single quotes, backslashes and single quotes are escaped.
func quoteDSNValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// PostgresConnectionString returns the key=value DSN built from the
// discrete settings. Password is single-quoted to handle special
// characters (spaces, =, quotes).
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresUser,
		quoteDSNValue(c.PostgresPassword),
		c.PostgresDBName,
		c.PostgresSSLMode,
	)
}

// postgresURL builds a postgres:// URL from the discrete settings with the
// host overridden. Uses url.URL for proper encoding of credentials.
func (c *Config) postgresURL(host string) string {
	return c.postgresURLWithDB(host, c.PostgresDBName)
}

func (c *Config) postgresURLWithDB(host, dbName string) string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", host, c.PostgresPort),
		Path:     dbName,
		RawQuery: fmt.Sprintf("sslmode=%s", c.PostgresSSLMode),
	}
	return u.String()
}
