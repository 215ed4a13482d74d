package obs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLOperation(t *testing.T) {
	require.Equal(t, "UPDATE", sqlOperation("  update shifts set status = 'closed'"))
	require.Equal(t, "WITH", sqlOperation("WITH open AS (SELECT 1) INSERT ..."))
	require.Equal(t, "query", sqlOperation("   "))
}

func TestTruncateSQL(t *testing.T) {
	long := strings.Repeat("x", maxStatementLen+10)
	require.Len(t, truncateSQL(long), maxStatementLen+3)
	require.Equal(t, "select 1", truncateSQL(" select 1 \n"))
}
