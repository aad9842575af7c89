package postgres

import (
	"censuscore/pkg/domain"
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, rows *sqlmock.Rows) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT bucket, payload FROM state").WillReturnRows(rows)

	var gotDriver, gotDSN string
	restore := OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		gotDriver, gotDSN = driverName, dsn
		return db, nil
	})
	t.Cleanup(restore)

	store, err := NewStore("", domain.NewRulesEngine())
	require.NoError(t, err)
	require.Equal(t, defaultDriver, gotDriver)
	require.Equal(t, defaultDSN, gotDSN)
	require.Same(t, db, store.DB())
	return store, mock
}

func emptyState() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"bucket", "payload"})
}

func TestNewStoreHydratesFromState(t *testing.T) {
	rows := emptyState().
		AddRow("providers", []byte(`{"p1":{"id":"p1","abbreviation":"provA"}}`)).
		AddRow("distributions", []byte(`{"d1":{"id":"d1","sequence":4,"status":"counted"}}`)).
		AddRow("line_items", []byte(`{"l1":{"id":"l1","distribution_id":"d1","provider_id":"p1","abbreviation":"provA","position":0,"starting_census":{"total":3,"ccu":1,"covid":0},"assigned_census":{"total":3,"ccu":1,"covid":0}}}`)).
		AddRow("patients", []byte(`{"x1":{"id":"x1","distribution_id":"d1","number_designation":1}}`)).
		AddRow("sequence", []byte(`4`)).
		AddRow("legacy", []byte(`{"ignored":true}`))
	store, mock := newMockStore(t, rows)

	current, ok := store.CurrentDistribution()
	require.True(t, ok)
	require.Equal(t, "d1", current.ID)
	require.Equal(t, domain.StatusCounted, current.Status)

	items := store.ListLineItems("d1")
	require.Len(t, items, 1)
	require.Equal(t, 3, items[0].StartingCensus.Total)
	require.Len(t, store.ListPatients("d1"), 1)

	_, ok = store.FindProviderByAbbreviation("provA")
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTransactionPersistsEveryBucket(t *testing.T) {
	store, mock := newMockStore(t, emptyState())

	mock.ExpectBegin()
	for _, bucket := range postgresBuckets {
		mock.ExpectExec("INSERT INTO state").
			WithArgs(bucket, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateProvider(domain.Provider{Abbreviation: "provA"})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTransactionSkipsPersistOnError(t *testing.T) {
	store, mock := newMockStore(t, emptyState())
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistRollsBackOnUpsertFailure(t *testing.T) {
	store, mock := newMockStore(t, emptyState())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO state").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateDistribution(domain.Distribution{})
		return err
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "upsert providers")
	_, ok := store.CurrentDistribution()
	require.False(t, ok, "distribution must not be visible after a failed write")
	require.Empty(t, store.ListDistributions())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailedWriteKeepsCommittedStateAndAllowsRetry(t *testing.T) {
	store, mock := newMockStore(t, emptyState())
	ctx := context.Background()
	createProvider := func(abbreviation string) error {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.CreateProvider(domain.Provider{Abbreviation: abbreviation})
			return err
		})
		return err
	}
	expectSnapshot := func() {
		mock.ExpectBegin()
		for _, bucket := range postgresBuckets {
			mock.ExpectExec("INSERT INTO state").
				WithArgs(bucket, sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()
	}

	expectSnapshot()
	require.NoError(t, createProvider("provA"))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO state").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()
	require.ErrorContains(t, createProvider("provB"), "connection reset")
	require.Len(t, store.ListProviders(), 1)
	_, ok := store.FindProviderByAbbreviation("provB")
	require.False(t, ok)

	expectSnapshot()
	require.NoError(t, createProvider("provB"))
	require.Len(t, store.ListProviders(), 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoreSurfacesOpenAndDecodeErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("no driver") })
	_, err := NewStore("postgres://example", domain.NewRulesEngine())
	restore()
	require.ErrorContains(t, err, "open postgres")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT bucket, payload FROM state").
		WillReturnRows(emptyState().AddRow("patients", []byte(`[not json`)))
	restore = OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()

	_, err = NewStore("postgres://example", domain.NewRulesEngine())
	require.ErrorContains(t, err, "decode patients")
}

func TestEnsureStateTableError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS state").WillReturnError(errors.New("denied"))
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()

	_, err = NewStore("", nil)
	require.ErrorContains(t, err, "ensure state table")
}
