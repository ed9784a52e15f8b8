package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/models"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewWithConn(conn), mock
}

func TestListProviderPricing(t *testing.T) {
	tests := []struct {
		name      string
		mockSetup func(sqlmock.Sqlmock)
		wantRows  int
		wantErr   bool
	}{
		{
			name: "rows",
			mockSetup: func(mock sqlmock.Sqlmock) {
				now := time.Now()
				rows := sqlmock.NewRows([]string{"provider", "model", "input_per_1k_tokens", "output_per_1k_tokens", "updated_at"}).
					AddRow("openai", "gpt-4o-mini", 0.00015, 0.0006, now).
					AddRow("openrouter", "*", 0.0001, 0.0004, now)
				mock.ExpectQuery("SELECT provider, model, input_per_1k_tokens").WillReturnRows(rows)
			},
			wantRows: 2,
		},
		{
			name: "empty table",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT provider, model").
					WillReturnRows(sqlmock.NewRows([]string{"provider", "model", "input_per_1k_tokens", "output_per_1k_tokens", "updated_at"}))
			},
			wantRows: 0,
		},
		{
			name: "query error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT provider, model").WillReturnError(errors.New("relation does not exist"))
			},
			wantErr: true,
		},
		{
			name: "scan error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"provider", "model", "input_per_1k_tokens", "output_per_1k_tokens", "updated_at"}).
					AddRow("openai", "gpt-4o", "not-a-number", 0.01, time.Now())
				mock.ExpectQuery("SELECT provider, model").WillReturnRows(rows)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			tt.mockSetup(mock)

			rows, err := db.ListProviderPricing(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Len(t, rows, tt.wantRows)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestListProviderPricing_Values(t *testing.T) {
	db, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"provider", "model", "input_per_1k_tokens", "output_per_1k_tokens", "updated_at"}).
		AddRow("anthropic", "claude-3-5-haiku-20241022", 0.0008, 0.004, time.Now())
	mock.ExpectQuery("FROM model_pricing").WillReturnRows(rows)

	got, err := db.ListProviderPricing(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "anthropic", got[0].Provider)
	assert.Equal(t, 0.0008, got[0].InputPer1kTokens)
	assert.Equal(t, 0.004, got[0].OutputPer1kTokens)
}

func TestLogDispatch(t *testing.T) {
	db, mock := newMock(t)
	provider := "openai"

	mock.ExpectExec("INSERT INTO dispatch_logs").
		WithArgs(sqlmock.AnyArg(), "abc123", "blip-base-v1", "REMOTE", "LOW_CONFIDENCE",
			&provider, nil, 0.0002, 840, true, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &models.DispatchLog{
		ContentHash:     "abc123",
		ModelVersion:    "blip-base-v1",
		Origin:          "REMOTE",
		Reason:          "LOW_CONFIDENCE",
		Provider:        &provider,
		CostUSD:         0.0002,
		LatencyMs:       840,
		RemoteAttempted: true,
	}
	require.NoError(t, db.LogDispatch(context.Background(), entry))
	assert.Len(t, entry.ID, 36, "id is generated")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogDispatch_Error(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("INSERT INTO dispatch_logs").WillReturnError(errors.New("connection reset"))

	err := db.LogDispatch(context.Background(), &models.DispatchLog{ID: "fixed", ContentHash: "h"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
