package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	studytesting "github.com/malbeclabs/studydata/utils/pkg/testing"
)

var sharedDB *studytesting.PostgresDB

func TestMain(m *testing.M) {
	log := studytesting.NewLogger()
	if !studytesting.DockerAvailable(context.Background()) {
		log.Warn("skipping PostgreSQL integration tests: no container provider")
		os.Exit(0)
	}
	var err error
	sharedDB, err = studytesting.NewPostgresDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

// testStore returns a store on a fresh, migrated database.
func testStore(t *testing.T) *Store {
	t.Helper()
	log := studytesting.NewLogger()
	connStr := sharedDB.NewDatabase(t)
	require.NoError(t, Up(t.Context(), log, connStr))

	s, err := New(t.Context(), Config{Logger: log, ConnString: connStr, MaxConns: 4, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}
