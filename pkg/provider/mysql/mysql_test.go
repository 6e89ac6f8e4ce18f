package mysql_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/provider/mysql"
)

func TestNewRequiresDB(t *testing.T) {
	t.Parallel()

	_, err := mysql.New(nil)
	require.ErrorIs(t, err, mysql.ErrDBRequired)
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	t.Parallel()

	_, err := mysql.Open(context.Background(), mysql.Config{DSN: "tcp(localhost"})
	require.ErrorIs(t, err, mysql.ErrFailedToParseDSN)
}
