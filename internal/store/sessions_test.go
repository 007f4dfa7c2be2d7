package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

var sessionCols = []string{"session_id", "phone_number", "status", "channels", "created_at", "updated_at"}

func TestListSessions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT session_id, phone_number, status, channels, created_at, updated_at FROM sessions ORDER BY created_at, session_id`)).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", "+100", "active", "{@a,@b}", now, now).
			AddRow("s2", "+200", "inactive", "{}", now, now))

	sessions, err := st.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if len(sessions[0].Channels) != 2 || sessions[0].Channels[0] != "@a" || sessions[0].Channels[1] != "@b" {
		t.Fatalf("unexpected channels: %v", sessions[0].Channels)
	}
	if sessions[1].Channels == nil || len(sessions[1].Channels) != 0 {
		t.Fatalf("expected empty non-nil channels, got %#v", sessions[1].Channels)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSessionByPhoneMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`FROM sessions WHERE phone_number=\$1`).
		WithArgs("+999").
		WillReturnRows(sqlmock.NewRows(sessionCols))

	_, ok, err := st.GetSessionByPhone(context.Background(), "+999")
	if err != nil {
		t.Fatalf("GetSessionByPhone: %v", err)
	}
	if ok {
		t.Fatalf("expected no session")
	}
}

func TestUpdateSessionChannelsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET channels=$2, updated_at=NOW() WHERE session_id=$1`)).
		WithArgs("ghost", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = st.UpdateSessionChannels(context.Background(), "ghost", []string{"@a"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPushSessionChannelUsesArrayAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET channels=array_append(channels, $2), updated_at=NOW() WHERE session_id=$1`)).
		WithArgs("s1", "@news").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.PushSessionChannel(context.Background(), "s1", "@news"); err != nil {
		t.Fatalf("PushSessionChannel: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateSessionDuplicatePhone(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`INSERT INTO sessions`).
		WithArgs("s1", "+100", "active", sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err = st.CreateSession(context.Background(), Session{SessionID: "s1", PhoneNumber: "+100"})
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestSetSessionStatusRejectsUnknown(t *testing.T) {
	st := &Store{}
	if err := st.SetSessionStatus(context.Background(), "+1", "banned"); err == nil {
		t.Fatalf("expected invalid status error")
	}
}
