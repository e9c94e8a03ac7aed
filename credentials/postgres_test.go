// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var credentialColumns = []string{
	"id", "provider", "encrypted_secret", "status", "status_until",
	"per_minute", "per_hour", "per_day", "last_used_at", "created_at",
}

func TestPostgresSave(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	perDay := 50

	cred := &Credential{
		ID:              uuid.New(),
		Provider:        "openrouter",
		EncryptedSecret: "v1:envelope",
		Status:          Status{Kind: StatusActive},
		Limits:          Limits{PerDay: &perDay},
		CreatedAt:       time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO api_credentials").
		WithArgs(cred.ID, "openrouter", "v1:envelope", "active",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), cred.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Save(context.Background(), cred))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	id := uuid.New()
	created := time.Now().UTC()
	until := created.Add(time.Hour)

	rows := sqlmock.NewRows(credentialColumns).
		AddRow(id, "tavily", "v1:envelope", "rate_limited", until, 60, nil, 1000, nil, created)

	mock.ExpectQuery("SELECT(.+)FROM api_credentials WHERE id").
		WithArgs(id).
		WillReturnRows(rows)

	cred, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "tavily", cred.Provider)
	assert.Equal(t, StatusRateLimited, cred.Status.Kind)
	assert.Equal(t, until, cred.Status.Until)
	require.NotNil(t, cred.Limits.PerMinute)
	assert.Equal(t, 60, *cred.Limits.PerMinute)
	assert.Nil(t, cred.Limits.PerHour)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	id := uuid.New()

	mock.ExpectQuery("SELECT(.+)FROM api_credentials WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(credentialColumns))

	_, err = repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresListByProvider(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	created := time.Now().UTC()

	rows := sqlmock.NewRows(credentialColumns).
		AddRow(uuid.New(), "serpapi", "v1:a", "active", nil, nil, 20, 100, nil, created).
		AddRow(uuid.New(), "serpapi", "v1:b", "active", nil, nil, 20, 100, created, created)

	mock.ExpectQuery("SELECT(.+)FROM api_credentials WHERE provider").
		WithArgs("serpapi").
		WillReturnRows(rows)

	creds, err := repo.ListByProvider(context.Background(), "serpapi")
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.True(t, creds[0].LastUsedAt.IsZero())
	assert.False(t, creds[1].LastUsedAt.IsZero())
}

func TestPostgresUpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	id := uuid.New()

	mock.ExpectExec("UPDATE api_credentials SET status").
		WithArgs("invalid", sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateStatus(context.Background(), id, Status{Kind: StatusInvalid}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateStatusMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec("UPDATE api_credentials SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.UpdateStatus(context.Background(), uuid.New(), Status{Kind: StatusInvalid})
	assert.ErrorIs(t, err, ErrNotFound)
}
