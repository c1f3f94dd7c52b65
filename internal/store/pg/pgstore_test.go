package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"soundboard.app/internal/auth"
	"soundboard.app/internal/snowflake"
	"soundboard.app/internal/store"
)

// anyConverter lets slices through the way the pgx driver does.
type anyConverter struct{}

func (anyConverter) ConvertValue(v any) (driver.Value, error) { return v, nil }

type int64sArg []int64

func (a int64sArg) Match(v driver.Value) bool {
	got, ok := v.([]int64)
	if !ok || len(got) != len(a) {
		return false
	}
	for i := range a {
		if got[i] != a[i] {
			return false
		}
	}
	return true
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(anyConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestMembershipTxCommits(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select id, active from guilds").
		WillReturnRows(sqlmock.NewRows([]string{"id", "active"}).AddRow(int64(1), true).AddRow(int64(2), false))
	mock.ExpectExec("insert into guilds").WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update guilds set active = false").WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithMembershipTx(context.Background(), func(tx store.MembershipTx) error {
		snap, err := tx.Snapshot(context.Background())
		if err != nil {
			return err
		}
		want := []store.Membership{{GroupID: 1, Active: true}, {GroupID: 2, Active: false}}
		if len(snap) != 2 || snap[0] != want[0] || snap[1] != want[1] {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
		if err := tx.Activate(context.Background(), 2); err != nil {
			return err
		}
		return tx.Deactivate(context.Background(), 1)
	})
	if err != nil {
		t.Fatalf("WithMembershipTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMembershipTxRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("insert into guilds").WithArgs(int64(5)).WillReturnError(boom)
	mock.ExpectRollback()

	err := s.WithMembershipTx(context.Background(), func(tx store.MembershipTx) error {
		return tx.Activate(context.Background(), 5)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSnapshotSortsHighIDsLast(t *testing.T) {
	s, mock := newMock(t)
	high := snowflake.ID(1<<63 + 5)

	// bigint order puts the wrapped id first.
	mock.ExpectBegin()
	mock.ExpectQuery("select id, active from guilds").
		WillReturnRows(sqlmock.NewRows([]string{"id", "active"}).AddRow(int64(high), true).AddRow(int64(10), true))
	mock.ExpectCommit()

	err := s.WithMembershipTx(context.Background(), func(tx store.MembershipTx) error {
		snap, err := tx.Snapshot(context.Background())
		if err != nil {
			return err
		}
		if len(snap) != 2 || snap[0].GroupID != 10 || snap[1].GroupID != high {
			t.Fatalf("snapshot not in id order: %+v", snap)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithMembershipTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordIdentity(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into users").
		WithArgs(int64(42), "tester", "Tester", "abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.RecordIdentity(context.Background(), auth.Identity{UserID: 42, Username: "tester", GlobalName: "Tester", Avatar: "abc"})
	if err != nil {
		t.Fatalf("RecordIdentity: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindFile(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery("select id, guild_id, name, created_at from files").WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "guild_id", "name", "created_at"}).AddRow(int64(9), int64(3), "airhorn.ogg", created))
	mock.ExpectQuery("select id, guild_id, name, created_at from files").WithArgs(int64(10)).
		WillReturnError(sql.ErrNoRows)

	f, err := s.FindFile(context.Background(), 9)
	if err != nil {
		t.Fatalf("FindFile: %v", err)
	}
	if f.ID != 9 || f.GroupID != 3 || f.Name != "airhorn.ogg" || !f.CreatedAt.Equal(created) {
		t.Fatalf("unexpected file: %+v", f)
	}
	if _, err := s.FindFile(context.Background(), 10); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestActiveGroups(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id from guilds where active").
		WithArgs(int64sArg{1, 2, 3}).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(3)))

	got, err := s.ActiveGroups(context.Background(), []snowflake.ID{1, 2, 3})
	if err != nil {
		t.Fatalf("ActiveGroups: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected groups: %v", got)
	}

	none, err := s.ActiveGroups(context.Background(), nil)
	if err != nil || none != nil {
		t.Fatalf("empty candidates: %v %v", none, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
