package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/model"
	"gitlab.com/timkado/api/livechat-router/internal/tenant"
)

var chatColumns = []string{"id", "tenant_id", "visitor_id", "visitor_name", "status", "created_at", "updated_at"}

func TestFindOrCreateChat_CreatesWhenMissing(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs(testTenantID + ":" + testVisitorID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "chats" WHERE tenant_id = $1 AND visitor_id = $2 ORDER BY created_at DESC`)).
		WillReturnRows(sqlmock.NewRows(chatColumns))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "chats"`)).
		WithArgs(sqlmock.AnyArg(), testTenantID, testVisitorID, nil, model.ChatStatusOpen, AnyTime{}, AnyTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	chat, created, err := repo.FindOrCreateChat(context.Background(), testTenantID, testVisitorID)

	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, chat.ID)
	assert.Equal(t, testTenantID, chat.TenantID)
	assert.Equal(t, testVisitorID, chat.VisitorID)
	assert.Equal(t, model.ChatStatusOpen, chat.Status)
}

func TestFindOrCreateChat_ReopensClosedChat(t *testing.T) {
	repo, mock := newTestRepo(t)
	createdAt := time.Now().Add(-48 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "chats" WHERE tenant_id = $1 AND visitor_id = $2`)).
		WillReturnRows(sqlmock.NewRows(chatColumns).
			AddRow(testChatID, testTenantID, testVisitorID, "Olena", "closed", createdAt, createdAt))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "chats" SET "status"=$1,"updated_at"=$2 WHERE "id" = $3`)).
		WithArgs(model.ChatStatusOpen, AnyTime{}, testChatID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	chat, created, err := repo.FindOrCreateChat(context.Background(), testTenantID, testVisitorID)

	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, testChatID, chat.ID)
	assert.Equal(t, model.ChatStatusOpen, chat.Status)
	assert.Equal(t, "Olena", chat.DisplayName())
}

func TestFindOrCreateChat_ExistingOpenChatUntouched(t *testing.T) {
	repo, mock := newTestRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "chats"`)).
		WillReturnRows(sqlmock.NewRows(chatColumns).
			AddRow(testChatID, testTenantID, testVisitorID, nil, "open", now, now))
	mock.ExpectCommit()

	chat, created, err := repo.FindOrCreateChat(context.Background(), testTenantID, testVisitorID)

	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, testChatID, chat.ID)
}

func TestFindOrCreateChat_TenantMismatchIsForbidden(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := tenant.WithTenantID(context.Background(), "another-tenant")

	_, _, err := repo.FindOrCreateChat(ctx, testTenantID, testVisitorID)

	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestFindOrCreateChat_RequiresIDs(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, _, err := repo.FindOrCreateChat(context.Background(), testTenantID, "")

	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestGetChat_NotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "chats" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows(chatColumns))

	_, err := repo.GetChat(context.Background(), testChatID)

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetChat_HiddenFromOtherTenant(t *testing.T) {
	repo, mock := newTestRepo(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "chats" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows(chatColumns).
			AddRow(testChatID, testTenantID, testVisitorID, nil, "open", now, now))

	ctx := tenant.WithTenantID(context.Background(), "another-tenant")
	_, err := repo.GetChat(ctx, testChatID)

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSetChatStatus_NoRowsIsNotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "chats" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetChatStatus(context.Background(), testChatID, model.ChatStatusClosed)

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeleteChat_CancelsJobsAndRemovesMessages(t *testing.T) {
	repo, mock := newTestRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "chats" WHERE id = $1`) + ".*" + regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(chatColumns).
			AddRow(testChatID, testTenantID, testVisitorID, nil, "open", now, now))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "scheduled_jobs" SET "status"=$1,"updated_at"=$2 WHERE chat_id = $3 AND status = $4`)).
		WithArgs(model.JobCancelled, AnyTime{}, testChatID, model.JobPending).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "messages" WHERE chat_id = $1`)).
		WithArgs(testChatID).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "chats" WHERE "chats"."id" = $1`)).
		WithArgs(testChatID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteChat(context.Background(), testChatID))
}
