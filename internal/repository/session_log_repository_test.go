package repository

import (
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stayflow/stayflow-backend/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", url.PathEscape(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.SessionLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func strptr(s string) *string { return &s }

func openLog(userID uint, sessionID, tokenID, familyID string) *domain.SessionLog {
	return &domain.SessionLog{
		SessionID: sessionID,
		UserID:    userID,
		Role:      "guest",
		TokenID:   strptr(tokenID),
		FamilyID:  strptr(familyID),
		IP:        "203.0.113.10",
		UserAgent: "test-agent/1.0",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
}

func TestAppendAndLookups(t *testing.T) {
	repo := NewSessionLogRepository(newTestDB(t))

	if err := repo.Append(openLog(1, "sess-1", "tok-1", "fam-1")); err != nil {
		t.Fatalf("append: %v", err)
	}

	bySession, err := repo.FindOpenBySessionID("sess-1")
	if err != nil {
		t.Fatalf("find open by session id: %v", err)
	}
	if bySession.UserID != 1 || *bySession.TokenID != "tok-1" {
		t.Fatalf("unexpected row %+v", bySession)
	}

	byToken, err := repo.FindByTokenID("tok-1")
	if err != nil {
		t.Fatalf("find by token id: %v", err)
	}
	if byToken.SessionID != "sess-1" {
		t.Fatalf("unexpected row %+v", byToken)
	}

	if _, err := repo.FindOpenBySessionID("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := repo.FindByTokenID("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFindOpenSkipsClosedAndExpired(t *testing.T) {
	db := newTestDB(t)
	repo := NewSessionLogRepository(db)

	closed := openLog(1, "sess-closed", "tok-closed", "fam-1")
	now := time.Now().UTC()
	closed.LogoutAt = &now
	closed.LogoutReason = strptr("logout")
	if err := repo.Append(closed); err != nil {
		t.Fatalf("append: %v", err)
	}

	expired := openLog(1, "sess-expired", "tok-expired", "fam-2")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := repo.Append(expired); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := repo.FindOpenBySessionID("sess-closed"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("closed row treated as open: %v", err)
	}
	if _, err := repo.FindOpenBySessionID("sess-expired"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expired row treated as open: %v", err)
	}
	// The closed row stays reachable for reuse checks.
	if _, err := repo.FindByTokenID("tok-closed"); err != nil {
		t.Fatalf("closed row lost: %v", err)
	}
}

func TestListActiveByUserID(t *testing.T) {
	repo := NewSessionLogRepository(newTestDB(t))

	if err := repo.Append(openLog(1, "sess-a", "tok-a", "fam-a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(openLog(1, "sess-b", "tok-b", "fam-b")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(openLog(2, "sess-other", "tok-other", "fam-o")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := repo.CloseBySessionID("sess-b", "logout"); err != nil {
		t.Fatalf("close: %v", err)
	}

	active, err := repo.ListActiveByUserID(1)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].SessionID != "sess-a" {
		t.Fatalf("expected only sess-a, got %+v", active)
	}
}

func TestRotateLogSingleWinner(t *testing.T) {
	repo := NewSessionLogRepository(newTestDB(t))

	if err := repo.Append(openLog(1, "sess-1", "tok-old", "fam-1")); err != nil {
		t.Fatalf("append: %v", err)
	}

	rotated, err := repo.RotateLog("tok-old", openLog(1, "sess-1", "tok-new", "fam-1"))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.LogoutAt == nil || rotated.LogoutReason == nil || *rotated.LogoutReason != "rotated" {
		t.Fatalf("expected closed rotated row, got %+v", rotated)
	}

	// A second presentation of the same token finds no open row.
	if _, err := repo.RotateLog("tok-old", openLog(1, "sess-1", "tok-newer", "fam-1")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on replayed rotation, got %v", err)
	}

	// The losing rotation must not have appended its row.
	if _, err := repo.FindByTokenID("tok-newer"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("loser row leaked: %v", err)
	}
	next, err := repo.FindOpenBySessionID("sess-1")
	if err != nil {
		t.Fatalf("find rotated session: %v", err)
	}
	if *next.TokenID != "tok-new" {
		t.Fatalf("expected tok-new open, got %+v", next)
	}
}

func TestCloseByFamilyAndUser(t *testing.T) {
	repo := NewSessionLogRepository(newTestDB(t))

	if err := repo.Append(openLog(1, "sess-a", "tok-a", "fam-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(openLog(1, "sess-b", "tok-b", "fam-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(openLog(1, "sess-c", "tok-c", "fam-2")); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := repo.CloseByFamilyID("fam-1", "reuse_detected")
	if err != nil {
		t.Fatalf("close by family: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows closed, got %d", n)
	}
	open, err := repo.ListOpenByFamilyID("fam-1")
	if err != nil {
		t.Fatalf("list open by family: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("family still has open rows: %+v", open)
	}

	n, err = repo.CloseByUserID(1, "password_changed")
	if err != nil {
		t.Fatalf("close by user: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected remaining fam-2 row closed, got %d", n)
	}
}

func TestCloseBySessionIDReportsWhetherRowWasOpen(t *testing.T) {
	repo := NewSessionLogRepository(newTestDB(t))

	if err := repo.Append(openLog(1, "sess-1", "tok-1", "fam-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	closed, err := repo.CloseBySessionID("sess-1", "logout")
	if err != nil || !closed {
		t.Fatalf("expected close to hit, got closed=%v err=%v", closed, err)
	}
	closed, err = repo.CloseBySessionID("sess-1", "logout")
	if err != nil || closed {
		t.Fatalf("second close must be a no-op, got closed=%v err=%v", closed, err)
	}
}

func TestMarkReuseDetected(t *testing.T) {
	repo := NewSessionLogRepository(newTestDB(t))

	if err := repo.Append(openLog(1, "sess-1", "tok-1", "fam-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.MarkReuseDetected("tok-1"); err != nil {
		t.Fatalf("mark reuse: %v", err)
	}
	row, err := repo.FindByTokenID("tok-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.ReuseDetectedAt == nil || row.LogoutReason == nil || *row.LogoutReason != "reuse_detected" {
		t.Fatalf("expected reuse markers on row, got %+v", row)
	}
}

func TestCleanupExpiredRespectsRetention(t *testing.T) {
	repo := NewSessionLogRepository(newTestDB(t))

	old := openLog(1, "sess-old", "tok-old", "fam-1")
	old.ExpiresAt = time.Now().Add(-48 * time.Hour)
	if err := repo.Append(old); err != nil {
		t.Fatalf("append: %v", err)
	}
	recent := openLog(1, "sess-recent", "tok-recent", "fam-2")
	recent.ExpiresAt = time.Now().Add(-time.Hour)
	if err := repo.Append(recent); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := repo.CleanupExpired(24 * time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row purged, got %d", n)
	}
	if _, err := repo.FindByTokenID("tok-old"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("old row survived cleanup: %v", err)
	}
	if _, err := repo.FindByTokenID("tok-recent"); err != nil {
		t.Fatalf("row inside retention was purged: %v", err)
	}
}
