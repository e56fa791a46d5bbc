package dialect

import (
	"fmt"
	"strings"
)

// mySQL drives the engine through the mysql/mysqldump CLI clients inside
// a shared pool container, as opposed to one container per logical
// database.
type mySQL struct{}

func (mySQL) Name() string { return "mysql" }

func (mySQL) Image() string { return "mysql:8" }

func (mySQL) ContainerPort() int { return 3306 }

func (mySQL) PoolEnvVars(rootPassword string) []EnvVar {
	return []EnvVar{{"MYSQL_ROOT_PASSWORD", rootPassword}}
}

func (mySQL) StartupTimeoutSecs() int { return 60 }

func (mySQL) HealthCheckCommand(root Credentials) Command {
	return Command{
		Bin:  "mysql",
		Args: []string{"-u", "root", "-e", "SELECT 1"},
		Env:  []EnvVar{{"MYSQL_PWD", root.Password}},
	}
}

func (mySQL) BootstrapSQL(creds Credentials) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", creds.DBName),
		fmt.Sprintf(
			"CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s'",
			creds.User, creds.Password,
		),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'", creds.DBName, creds.User),
		"FLUSH PRIVILEGES",
	}
}

func (mySQL) DropSQL(creds Credentials) []string {
	return []string{
		fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", creds.DBName),
		fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", creds.User),
	}
}

func (mySQL) SizeProbeSQL(creds Credentials) string {
	return fmt.Sprintf(
		"SELECT COALESCE(SUM(data_length + index_length), 0) FROM information_schema.tables WHERE table_schema = '%s'",
		creds.DBName,
	)
}

func (mySQL) ExecSQLCommand(root Credentials, sql string) Command {
	return Command{
		Bin:  "mysql",
		Args: []string{"-u", "root", "-e", sql},
		Env:  []EnvVar{{"MYSQL_PWD", root.Password}},
	}
}

func (mySQL) QueryCommand(creds Credentials, sql string) Command {
	return Command{
		Bin: "mysql",
		Args: []string{
			"-u", creds.User, creds.DBName,
			"-e", sql,
			// Tab-separated, unquoted output for the line/record parser.
			"--batch", "--raw",
		},
		Env: []EnvVar{{"MYSQL_PWD", creds.Password}},
	}
}

func (mySQL) QueryCommandText(creds Credentials, sql string) Command {
	return Command{
		Bin:  "mysql",
		Args: []string{"-u", creds.User, creds.DBName, "-e", sql, "--table"},
		Env:  []EnvVar{{"MYSQL_PWD", creds.Password}},
	}
}

func (mySQL) IsErrorLine(line string) bool {
	return strings.HasPrefix(line, "ERROR") || strings.Contains(line, "error:")
}

func (mySQL) DumpCommand(creds Credentials) Command {
	return Command{
		Bin: "mysqldump",
		Args: []string{
			"-u", creds.User,
			"--single-transaction", "--routines", "--triggers",
			creds.DBName,
		},
		Env: []EnvVar{{"MYSQL_PWD", creds.Password}},
	}
}

func (mySQL) RestoreCommand(creds Credentials) Command {
	return Command{
		Bin:  "mysql",
		Args: []string{"-u", creds.User, creds.DBName},
		Env:  []EnvVar{{"MYSQL_PWD", creds.Password}},
	}
}
