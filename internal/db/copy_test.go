package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.Background(), nil, "dataset_facts", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_SchemaQualified(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"geo", "crosswalk_zips"}, []string{"zip", "submarket"}).WillReturnResult(2)

	n, err := CopyFrom(context.Background(), mock, "geo.crosswalk_zips", []string{"zip", "submarket"},
		[][]any{{"78702", "submarket:east austin"}, {"78704", "submarket:south austin"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"dataset_facts"}, []string{"a"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "dataset_facts", []string{"a"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO dataset_facts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(fmt.Errorf("plain")))
}

func TestSQLState(t *testing.T) {
	assert.Equal(t, "42P01", SQLState(fmt.Errorf("query: %w", &pgconn.PgError{Code: "42P01"})))
	assert.Empty(t, SQLState(fmt.Errorf("connection reset")))
}

func TestConnect_EmptyURL(t *testing.T) {
	_, err := Connect(context.Background(), "")
	assert.Error(t, err)
}
