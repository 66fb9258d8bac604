package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
)

func TestStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db, "readings")
	require.NoError(t, err)
	assert.Equal(t, "readings_temperature", s.Table(message.Temperature))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO readings_temperature (ts, payload) VALUES (to_timestamp($1), $2)")).
		WithArgs(int64(1700000000), []byte(`{"temperature":21.5}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	env := message.NewEnvelope(message.TemperatureReading{Temperature: 21.5}, time.Unix(1700000000, 0))
	require.NoError(t, s.Insert(context.Background(), message.Temperature, env))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertFailureIsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO telemetry_motion").WillReturnError(errors.ErrStorageUnavailable)

	env := message.NewEnvelope(message.Steps{Steps: 12}, time.Unix(1, 0))
	err = s.Insert(context.Background(), message.Motion, env)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertRejectsUnknownDriver(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db, "")
	require.NoError(t, err)

	env := message.NewEnvelope(message.Steps{Steps: 1}, time.Unix(1, 0))
	err = s.Insert(context.Background(), message.Driver("sonar"), env)
	assert.True(t, errors.IsInvalid(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db, "readings")
	require.NoError(t, err)

	for _, d := range message.Drivers {
		table := "readings_" + string(d)
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS " + table)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS " + table + "_ts ON " + table + " (ts)")).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_RejectsUnsafePrefix(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, "readings; DROP TABLE x")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
