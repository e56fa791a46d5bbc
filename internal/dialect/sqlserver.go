package dialect

import (
	"fmt"
	"strings"
)

// sqlServer drives the engine through sqlcmd. Only runs on amd64 hosts;
// Azure SQL Edge has an ARM64 image but ships without the sqlcmd tools
// this adapter depends on, so it is not offered as a fallback.
type sqlServer struct{}

const sqlcmd = "/opt/mssql-tools18/bin/sqlcmd"

func (sqlServer) Name() string { return "sqlserver" }

func (sqlServer) Image() string { return "mcr.microsoft.com/mssql/server:2022-latest" }

func (sqlServer) ContainerPort() int { return 1433 }

func (sqlServer) PoolEnvVars(rootPassword string) []EnvVar {
	return []EnvVar{
		{"ACCEPT_EULA", "Y"},
		{"MSSQL_SA_PASSWORD", rootPassword},
	}
}

func (sqlServer) StartupTimeoutSecs() int { return 90 }

func (sqlServer) HealthCheckCommand(root Credentials) Command {
	return Command{
		Bin:  sqlcmd,
		Args: []string{"-S", "localhost", "-U", "sa", "-Q", "SELECT 1", "-C"},
		Env:  []EnvVar{{"SQLCMDPASSWORD", root.Password}},
	}
}

func (sqlServer) BootstrapSQL(creds Credentials) []string {
	return []string{
		fmt.Sprintf(
			"IF NOT EXISTS (SELECT name FROM sys.databases WHERE name = '%s') CREATE DATABASE [%s]",
			creds.DBName, creds.DBName,
		),
		fmt.Sprintf(
			"IF NOT EXISTS (SELECT name FROM sys.server_principals WHERE name = '%s') "+
				"CREATE LOGIN [%s] WITH PASSWORD = '%s'",
			creds.User, creds.User, creds.Password,
		),
		fmt.Sprintf("USE [%s]", creds.DBName),
		fmt.Sprintf(
			"IF NOT EXISTS (SELECT name FROM sys.database_principals WHERE name = '%s') "+
				"CREATE USER [%s] FOR LOGIN [%s]",
			creds.User, creds.User, creds.User,
		),
		fmt.Sprintf("ALTER ROLE db_owner ADD MEMBER [%s]", creds.User),
	}
}

func (sqlServer) DropSQL(creds Credentials) []string {
	return []string{
		fmt.Sprintf(
			"IF EXISTS (SELECT name FROM sys.databases WHERE name = '%s') DROP DATABASE [%s]",
			creds.DBName, creds.DBName,
		),
		fmt.Sprintf(
			"IF EXISTS (SELECT name FROM sys.server_principals WHERE name = '%s') DROP LOGIN [%s]",
			creds.User, creds.User,
		),
	}
}

func (sqlServer) SizeProbeSQL(creds Credentials) string {
	return fmt.Sprintf(
		"USE [%s]; SELECT SUM(size) * 8.0 * 1024 FROM sys.database_files",
		creds.DBName,
	)
}

func (sqlServer) ExecSQLCommand(root Credentials, sql string) Command {
	return Command{
		Bin:  sqlcmd,
		Args: []string{"-S", "localhost", "-U", "sa", "-Q", sql, "-C"},
		Env:  []EnvVar{{"SQLCMDPASSWORD", root.Password}},
	}
}

func (sqlServer) QueryCommand(creds Credentials, sql string) Command {
	return Command{
		Bin: sqlcmd,
		Args: []string{
			"-S", "localhost",
			"-U", creds.User,
			"-d", creds.DBName,
			"-Q", sql,
			// Tab-separated, trimmed, no trust-cert prompt.
			"-s", "\t", "-W", "-C",
		},
		Env: []EnvVar{{"SQLCMDPASSWORD", creds.Password}},
	}
}

func (sqlServer) QueryCommandText(creds Credentials, sql string) Command {
	return Command{
		Bin:  sqlcmd,
		Args: []string{"-S", "localhost", "-U", creds.User, "-d", creds.DBName, "-Q", sql, "-C"},
		Env:  []EnvVar{{"SQLCMDPASSWORD", creds.Password}},
	}
}

func (sqlServer) IsErrorLine(line string) bool {
	return strings.HasPrefix(line, "Msg ") ||
		strings.Contains(line, "Error:") ||
		strings.HasPrefix(line, "Sqlcmd: Error:")
}

func (sqlServer) DumpCommand(creds Credentials) Command {
	// sqlcmd has no native streaming dump tool: BACKUP DATABASE to a
	// container-local path, then cat that file to stdout so the caller
	// can treat this like mysqldump's direct stdout stream.
	backupPath := fmt.Sprintf("/tmp/%s.bak", creds.DBName)
	sql := fmt.Sprintf("BACKUP DATABASE [%s] TO DISK = '%s'", creds.DBName, backupPath)
	shellCmd := fmt.Sprintf("%s -S localhost -U %s -Q \"%s\" -C && cat %s", sqlcmd, creds.User, sql, backupPath)
	return Command{
		Bin:  "sh",
		Args: []string{"-c", shellCmd},
		Env:  []EnvVar{{"SQLCMDPASSWORD", creds.Password}},
	}
}

func (sqlServer) RestoreCommand(creds Credentials) Command {
	// Mirror image of DumpCommand: write stdin to a container-local
	// path, then RESTORE DATABASE from it.
	backupPath := fmt.Sprintf("/tmp/%s.bak", creds.DBName)
	sql := fmt.Sprintf(
		"RESTORE DATABASE [%s] FROM DISK = '%s' WITH REPLACE",
		creds.DBName, backupPath,
	)
	shellCmd := fmt.Sprintf("cat > %s && %s -S localhost -U %s -Q \"%s\" -C", backupPath, sqlcmd, creds.User, sql)
	return Command{
		Bin:  "sh",
		Args: []string{"-c", shellCmd},
		Env:  []EnvVar{{"SQLCMDPASSWORD", creds.Password}},
	}
}
