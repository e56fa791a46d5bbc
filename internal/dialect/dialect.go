// Package dialect implements the Dialect Adapter capability set (spec
// §4.1): a closed, per-engine strategy for image selection, bootstrap
// SQL, CLI invocation, and output parsing. Adding an engine is adding a
// file and a registry entry, never touching the core pipeline.
package dialect

import (
	"strings"

	"github.com/dbsandbox/api/internal/apperr"
)

// Credentials are the per-instance database name / user / password; the
// name and user are derived deterministically from an instance
// identifier, the password is generated at random.
type Credentials struct {
	DBName   string
	User     string
	Password string
}

// Dialect is the capability set every supported engine implements.
type Dialect interface {
	// Name is the canonical tag, e.g. "mysql".
	Name() string

	// Image is the pool container's image reference.
	Image() string

	// ContainerPort is the engine's default listening port inside the
	// pool container.
	ContainerPort() int

	// PoolEnvVars are the environment variables the pool (host)
	// container needs at startup to accept bootstrap SQL from the root
	// account (e.g. MYSQL_ROOT_PASSWORD).
	PoolEnvVars(rootPassword string) []EnvVar

	// StartupTimeoutSecs bounds how long the pool waits for a freshly
	// started host container to answer a trivial query.
	StartupTimeoutSecs() int

	// HealthCheckCommand returns argv for a cheap "is this host
	// container alive" probe, run by the pool's background health
	// checker and by the readiness wait after a host container starts.
	HealthCheckCommand(root Credentials) Command

	// BootstrapSQL returns the idempotent statements that create the
	// instance's logical database and scoped user inside the host
	// container (spec §4.1 bootstrap).
	BootstrapSQL(creds Credentials) []string

	// DropSQL returns the statements that remove the instance's logical
	// database and user (spec §4.1 drop).
	DropSQL(creds Credentials) []string

	// SizeProbeSQL returns a query whose single scalar result is the
	// instance database's on-disk size in bytes.
	SizeProbeSQL(creds Credentials) string

	// ExecSQLCommand returns argv for running arbitrary SQL as the root
	// account against the host container (used for bootstrap/drop).
	ExecSQLCommand(root Credentials, sql string) Command

	// QueryCommand returns argv for executing sql as the instance's
	// scoped user, with a tabular+verbose output the parser recognizes.
	QueryCommand(creds Credentials, sql string) Command

	// QueryCommandText is the same as QueryCommand but requests the
	// dialect's native pretty/bordered table rendering, used for
	// format=text responses which pass the CLI's own output through
	// verbatim.
	QueryCommandText(creds Credentials, sql string) Command

	// IsErrorLine reports whether a line of CLI output denotes a
	// structural error rather than a notice/message.
	IsErrorLine(line string) bool

	// DumpCommand returns argv that writes a dialect-native dump of the
	// instance's database to stdout.
	DumpCommand(creds Credentials) Command

	// RestoreCommand returns argv that reads a dialect-native dump from
	// stdin and applies it to the instance's database.
	RestoreCommand(creds Credentials) Command
}

// EnvVar is a single container environment variable.
type EnvVar struct {
	Key   string
	Value string
}

// Command is an argv invocation plus the environment variables it needs
// (kept separate from argv so dialects can pass secrets like passwords
// through env rather than argv, avoiding CLI warnings and process-list
// leakage — e.g. mysql's MYSQL_PWD).
type Command struct {
	Bin  string
	Args []string
	Env  []EnvVar
}

var registry = map[string]Dialect{
	"mysql":     mySQL{},
	"mariadb":   mySQL{},
	"sqlserver": sqlServer{},
	"mssql":     sqlServer{},
}

// Get resolves a dialect by tag, case-insensitively.
func Get(name string) (Dialect, error) {
	d, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, apperr.New(apperr.DialectUnsupported, "unsupported dialect: "+name)
	}
	return d, nil
}

// Supported lists every canonical dialect tag; the aliases Get also
// accepts ("mariadb", "mssql") are not listed.
func Supported() []string {
	return []string{"mysql", "sqlserver"}
}
