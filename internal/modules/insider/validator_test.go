package insider

import (
	"context"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandinet/tradecore/internal/domain"
)

func newMockValidator(t *testing.T) (*Validator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewValidator(sqlx.NewDb(db, "postgres"), zerolog.New(io.Discard)), mock
}

func boolRow(v bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"ok"}).AddRow(v)
}

func TestValidateParties_SelfTradeBlocked(t *testing.T) {
	v, _ := newMockValidator(t)

	err := v.ValidateParties(context.Background(), "p-1", "p-1")
	assert.True(t, domain.IsKind(err, domain.KindInsiderBlocked))
}

func TestValidateParties_SharedMasterBlocked(t *testing.T) {
	v, mock := newMockValidator(t)

	mock.ExpectQuery("WITH RECURSIVE chain").WithArgs("p-1", "p-2").
		WillReturnRows(boolRow(true))

	err := v.ValidateParties(context.Background(), "p-1", "p-2")
	assert.True(t, domain.IsKind(err, domain.KindInsiderBlocked))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateParties_SharedGroupBlocked(t *testing.T) {
	v, mock := newMockValidator(t)

	mock.ExpectQuery("WITH RECURSIVE chain").WillReturnRows(boolRow(false))
	mock.ExpectQuery("corporate_group_id").WillReturnRows(boolRow(true))

	err := v.ValidateParties(context.Background(), "p-1", "p-2")
	assert.True(t, domain.IsKind(err, domain.KindInsiderBlocked))
}

func TestValidateParties_SharedTaxIDBlocked(t *testing.T) {
	v, mock := newMockValidator(t)

	mock.ExpectQuery("WITH RECURSIVE chain").WillReturnRows(boolRow(false))
	mock.ExpectQuery("corporate_group_id").WillReturnRows(boolRow(false))
	mock.ExpectQuery("partner_documents").WillReturnRows(boolRow(true))

	err := v.ValidateParties(context.Background(), "p-1", "p-2")
	assert.True(t, domain.IsKind(err, domain.KindInsiderBlocked))
}

func TestValidateParties_UnlinkedPasses(t *testing.T) {
	v, mock := newMockValidator(t)

	mock.ExpectQuery("WITH RECURSIVE chain").WillReturnRows(boolRow(false))
	mock.ExpectQuery("corporate_group_id").WillReturnRows(boolRow(false))
	mock.ExpectQuery("partner_documents").WillReturnRows(boolRow(false))

	assert.NoError(t, v.ValidateParties(context.Background(), "p-1", "p-2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchEdges_CollectsAllRelationKinds(t *testing.T) {
	v, mock := newMockValidator(t)

	mock.ExpectQuery("WITH RECURSIVE chain").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b"}).AddRow("p-1", "p-4"))
	mock.ExpectQuery("corporate_group_id").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b"}).AddRow("p-1", "p-2"))
	mock.ExpectQuery("partner_documents").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b"}).AddRow("p-2", "p-3"))

	edges, err := v.BatchEdges(context.Background(), []string{"p-1", "p-2", "p-3", "p-4"})
	require.NoError(t, err)
	require.Len(t, edges, 3)
	assert.Equal(t, "master entity", edges[0].Reason)
	assert.Equal(t, "corporate group", edges[1].Reason)
	assert.Equal(t, "shared tax ID", edges[2].Reason)
}

func TestBatchEdges_MasterChainLinksSubsidiaries(t *testing.T) {
	v, mock := newMockValidator(t)

	// Two subsidiaries under one master root link even with no group or tax
	// overlap; the filter must drop such a seller before scoring.
	mock.ExpectQuery("WITH RECURSIVE chain").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b"}).AddRow("buyer-1", "seller-7"))
	mock.ExpectQuery("corporate_group_id").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b"}))
	mock.ExpectQuery("partner_documents").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b"}))

	edges, err := v.BatchEdges(context.Background(), []string{"buyer-1", "seller-7"})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "master entity", edges[0].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchEdges_FewerThanTwoPartners(t *testing.T) {
	v, _ := newMockValidator(t)

	edges, err := v.BatchEdges(context.Background(), []string{"p-1"})
	require.NoError(t, err)
	assert.Nil(t, edges)
}
