package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_ResolvesKnownAliasesCaseInsensitively(t *testing.T) {
	for _, name := range []string{"mysql", "MySQL", "mariadb", "sqlserver", "MSSQL"} {
		dl, err := Get(name)
		assert.NoError(t, err)
		assert.NotNil(t, dl)
	}
}

func TestGet_UnknownDialectReturnsDialectUnsupported(t *testing.T) {
	_, err := Get("postgres")
	assert.Error(t, err)
}

func TestMySQL_BootstrapAndDropSQLReferenceScopedUser(t *testing.T) {
	dl := mySQL{}
	creds := Credentials{DBName: "db_abc123", User: "u_abc123", Password: "secret"}

	bootstrap := dl.BootstrapSQL(creds)
	assert.NotEmpty(t, bootstrap)
	for _, stmt := range bootstrap {
		assert.NotContains(t, stmt, "secret\n") // password never split across statements oddly
	}
	assert.Contains(t, bootstrap[1], creds.User)

	drop := dl.DropSQL(creds)
	assert.Len(t, drop, 2)
	assert.Contains(t, drop[1], creds.User)
}

func TestMySQL_QueryCommandCarriesPasswordViaEnvNotArgv(t *testing.T) {
	dl := mySQL{}
	creds := Credentials{DBName: "db_abc123", User: "u_abc123", Password: "secret"}

	cmd := dl.QueryCommand(creds, "SELECT 1")
	for _, arg := range cmd.Args {
		assert.NotContains(t, arg, "secret")
	}
	found := false
	for _, e := range cmd.Env {
		if e.Key == "MYSQL_PWD" && e.Value == "secret" {
			found = true
		}
	}
	assert.True(t, found, "expected MYSQL_PWD in env")
}

func TestMySQL_IsErrorLine(t *testing.T) {
	dl := mySQL{}
	assert.True(t, dl.IsErrorLine("ERROR 1146 (42S02): Table doesn't exist"))
	assert.True(t, dl.IsErrorLine("mysql: [Warning] error: connection refused"))
	assert.False(t, dl.IsErrorLine("Query OK, 1 row affected"))
}

func TestSQLServer_DumpAndRestoreCommandsChainShellCalls(t *testing.T) {
	dl := sqlServer{}
	creds := Credentials{DBName: "db_abc123", User: "u_abc123", Password: "secret"}

	dump := dl.DumpCommand(creds)
	assert.Equal(t, "sh", dump.Bin)

	restore := dl.RestoreCommand(creds)
	assert.Equal(t, "sh", restore.Bin)
}
