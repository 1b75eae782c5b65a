package convo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/corvynix/voxctl/pkg/models"
)

func newTestRepository(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPrepare("INSERT INTO conversation_sessions")
	mock.ExpectPrepare("INSERT INTO conversation_turns")

	repo, err := newPostgresRepositoryFromDB(db)
	require.NoError(t, err)
	return repo, mock
}

func TestPostgresRepository_SaveSession(t *testing.T) {
	repo, mock := newTestRepository(t)

	session := models.Session{
		SessionID:      "sess-1",
		UserID:         "user-1",
		Mode:           models.ModeContinuous,
		Status:         models.SessionActive,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
		TurnCount:      2,
	}

	mock.ExpectExec("INSERT INTO conversation_sessions").
		WithArgs(
			session.SessionID, session.UserID, string(session.Mode), string(session.Status),
			session.CreatedAt, session.LastActivityAt, session.TurnCount,
			session.ContextSummary, session.LastSummarizedTurn,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SaveSession(context.Background(), session))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_SaveSession_Error(t *testing.T) {
	repo, mock := newTestRepository(t)

	session := models.Session{SessionID: "sess-1", UserID: "user-1"}

	mock.ExpectExec("INSERT INTO conversation_sessions").
		WillReturnError(errors.New("connection refused"))

	err := repo.SaveSession(context.Background(), session)
	require.Error(t, err)
	require.Contains(t, err.Error(), "save session")
}

func TestPostgresRepository_AppendTurn(t *testing.T) {
	repo, mock := newTestRepository(t)

	turn := models.SessionTurn{
		TurnNumber:     1,
		UserQuery:      "schedule a meeting",
		AssistantReply: "done",
		DurationMs:     120,
		CreatedAt:      time.Now(),
	}

	mock.ExpectExec("INSERT INTO conversation_turns").
		WithArgs(
			"sess-1", turn.TurnNumber, turn.UserQuery, turn.AssistantReply,
			sqlmock.AnyArg(), turn.DurationMs, turn.CreatedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AppendTurn(context.Background(), "sess-1", turn))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_AppendTurn_Error(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectExec("INSERT INTO conversation_turns").
		WillReturnError(errors.New("write conflict"))

	err := repo.AppendTurn(context.Background(), "sess-1", models.SessionTurn{TurnNumber: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "append turn")
}
