package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTerminal(t *testing.T) {
	tests := []struct {
		name            string
		updatedRows     int64
		insertedRows    int64
		expectInsert    bool
		wantAlreadyDone bool
	}{
		{name: "pending row", updatedRows: 1},
		{name: "already terminal", updatedRows: 0, expectInsert: true, insertedRows: 0, wantAlreadyDone: true},
		{name: "missing row", updatedRows: 0, expectInsert: true, insertedRows: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			store := NewGormRecipientResultStore(db)

			mock.ExpectExec(`UPDATE "recipient_results" SET`).WillReturnResult(sqlmock.NewResult(0, tt.updatedRows))
			if tt.expectInsert {
				mock.ExpectExec(`INSERT INTO "recipient_results" .* ON CONFLICT DO NOTHING`).
					WillReturnResult(sqlmock.NewResult(0, tt.insertedRows))
			}

			already, err := store.SetTerminal(context.Background(), "sent-1", "user-1", domain.RecipientStatusSucceeded)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlreadyDone, already)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSetTerminalRejectsPending(t *testing.T) {
	db, _ := newMockDB(t)
	store := NewGormRecipientResultStore(db)

	_, err := store.SetTerminal(context.Background(), "sent-1", "user-1", domain.RecipientStatusPending)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestGetOrCreatePendingReturnsExistingRow(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormRecipientResultStore(db)

	mock.ExpectExec(`INSERT INTO "recipient_results" .* ON CONFLICT DO NOTHING`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "recipient_results"`).
		WillReturnRows(sqlmock.NewRows([]string{"notification_id", "recipient_id", "status"}).
			AddRow("sent-1", "user-1", "FAILED"))

	result, err := store.GetOrCreatePending(context.Background(), "sent-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientStatusFailed, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormRecipientResultStore(db)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) as count FROM "recipient_results"`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("SUCCEEDED", 3).
			AddRow("PENDING", 2))

	counts, err := store.CountByStatus(context.Background(), "sent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.RecipientStatusSucceeded])
	assert.Equal(t, 2, counts[domain.RecipientStatusPending])
	assert.Zero(t, counts[domain.RecipientStatusFailed])
}
