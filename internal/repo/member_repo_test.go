package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/paoluz/authgate/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:memberrepo_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")
	// Single connection so concurrent transactions serialize instead of
	// failing with SQLITE_BUSY on the in-memory database.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func strptr(s string) *string { return &s }

func seedMember(t *testing.T, db *gorm.DB, m *domain.Member) *domain.Member {
	t.Helper()
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("seed member: %v", err)
	}
	return m
}

func TestGetOrCreateMember_CreatesOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	m1, err := GetOrCreateMember(ctx, db, 42)
	if err != nil {
		t.Fatalf("GetOrCreateMember: %v", err)
	}
	if m1.ChatID != 42 || m1.Verified {
		t.Fatalf("fresh member should be unverified chat 42, got %+v", m1)
	}

	m2, err := GetOrCreateMember(ctx, db, 42)
	if err != nil {
		t.Fatalf("GetOrCreateMember (second): %v", err)
	}
	if m2.ID != m1.ID {
		t.Fatalf("second call should return same row, got ids %d and %d", m1.ID, m2.ID)
	}

	var count int64
	db.Model(&domain.Member{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestFindMemberByCode_TTL(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 600 * time.Second

	fresh := now.Add(-10 * time.Second)
	seedMember(t, db, &domain.Member{ChatID: 1, Code: strptr("AB12CD"), CodeIssuedAt: &fresh})

	stale := now.Add(-601 * time.Second)
	seedMember(t, db, &domain.Member{ChatID: 2, Code: strptr("ZZ99XX"), CodeIssuedAt: &stale})

	if m, err := FindMemberByCode(ctx, db, "AB12CD", now, ttl); err != nil || m.ChatID != 1 {
		t.Fatalf("live code lookup = (%v, %v), want chat 1", m, err)
	}
	if _, err := FindMemberByCode(ctx, db, "ZZ99XX", now, ttl); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired code should be treated as absent, got %v", err)
	}
	if _, err := FindMemberByCode(ctx, db, "", now, ttl); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty code should be absent, got %v", err)
	}
	if _, err := FindMemberByCode(ctx, db, "NOSUCH", now, ttl); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown code should be absent, got %v", err)
	}
}

func TestSetMemberCode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedMember(t, db, &domain.Member{ChatID: 7})
	if err := SetMemberCode(ctx, db, 7, "AB12CD", now); err != nil {
		t.Fatalf("SetMemberCode: %v", err)
	}
	m, err := GetMember(ctx, db, 7)
	if err != nil || m.Code == nil || *m.Code != "AB12CD" || m.CodeIssuedAt == nil {
		t.Fatalf("code not stored: %+v, err %v", m, err)
	}

	// Verified members never receive a code.
	seedMember(t, db, &domain.Member{ChatID: 8, Verified: true, UID: strptr("U8")})
	if err := SetMemberCode(ctx, db, 8, "CD34EF", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetMemberCode on verified member = %v, want ErrNotFound", err)
	}

	// Missing rows surface as not found.
	if err := SetMemberCode(ctx, db, 999, "EF56GH", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetMemberCode on missing member = %v, want ErrNotFound", err)
	}
}

func TestBindMember_Success(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 600 * time.Second

	issued := now.Add(-179 * time.Second)
	seedMember(t, db, &domain.Member{ChatID: 42, Code: strptr("AB12CD"), CodeIssuedAt: &issued})

	m, err := BindMember(ctx, db, "AB12CD", "U1", now, ttl)
	if err != nil {
		t.Fatalf("BindMember: %v", err)
	}
	if !m.Verified || m.UID == nil || *m.UID != "U1" {
		t.Fatalf("bound member state wrong: %+v", m)
	}
	if m.Code != nil || m.CodeIssuedAt != nil {
		t.Fatalf("verified member must not keep a pending code: %+v", m)
	}

	// Re-read to confirm persistence of the invariant.
	got, err := GetMember(ctx, db, 42)
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if !got.Verified || got.Code != nil || got.CodeIssuedAt != nil {
		t.Fatalf("persisted state violates verified⇒no-code: %+v", got)
	}
}

func TestBindMember_Expired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 600 * time.Second

	issued := now.Add(-601 * time.Second)
	seedMember(t, db, &domain.Member{ChatID: 1, Code: strptr("OLD111"), CodeIssuedAt: &issued})

	if _, err := BindMember(ctx, db, "OLD111", "U1", now, ttl); !errors.Is(err, ErrBindCodeExpired) {
		t.Fatalf("expired code bind = %v, want ErrBindCodeExpired", err)
	}
	if _, err := BindMember(ctx, db, "NOSUCH", "U1", now, ttl); !errors.Is(err, ErrBindCodeExpired) {
		t.Fatalf("unknown code bind = %v, want ErrBindCodeExpired", err)
	}
}

func TestBindMember_UIDTaken(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 600 * time.Second

	seedMember(t, db, &domain.Member{ChatID: 42, Verified: true, UID: strptr("U1")})
	issued := now.Add(-time.Minute)
	seedMember(t, db, &domain.Member{ChatID: 44, Code: strptr("AB12CD"), CodeIssuedAt: &issued})

	if _, err := BindMember(ctx, db, "AB12CD", "U1", now, ttl); !errors.Is(err, ErrBindUIDTaken) {
		t.Fatalf("bind with taken uid = %v, want ErrBindUIDTaken", err)
	}

	// Member 44 must remain untouched.
	m, _ := GetMember(ctx, db, 44)
	if m.Verified || m.UID != nil {
		t.Fatalf("losing bind must not mutate the member: %+v", m)
	}
}

func TestBindMember_ChatTaken(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 600 * time.Second

	// A member that is somehow holding a live code while already bound to U1:
	// defends against stale/duplicate code reuse after a rebind.
	issued := now.Add(-time.Minute)
	seedMember(t, db, &domain.Member{ChatID: 5, UID: strptr("U1"), Code: strptr("AB12CD"), CodeIssuedAt: &issued})

	if _, err := BindMember(ctx, db, "AB12CD", "U2", now, ttl); !errors.Is(err, ErrBindChatTaken) {
		t.Fatalf("bind to already-bound chat = %v, want ErrBindChatTaken", err)
	}
}

func TestBindMember_ConcurrentSameCode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 600 * time.Second

	issued := now.Add(-time.Minute)
	seedMember(t, db, &domain.Member{ChatID: 42, Code: strptr("AB12CD"), CodeIssuedAt: &issued})

	// Two binds race with the same still-valid code for different uids:
	// exactly one must succeed.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	uids := []string{"U1", "U2"}
	for i := range uids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = BindMember(ctx, db, "AB12CD", uids[i], now, ttl)
		}(i)
	}
	wg.Wait()

	var okCount int
	for _, err := range errs {
		if err == nil {
			okCount++
			continue
		}
		if !errors.Is(err, ErrBindCodeExpired) && !errors.Is(err, ErrBindChatTaken) && !errors.Is(err, ErrBindUIDTaken) {
			t.Fatalf("loser observed unexpected error: %v", err)
		}
	}
	if okCount != 1 {
		t.Fatalf("exactly one concurrent bind must succeed, got %d (errs=%v)", okCount, errs)
	}

	m, err := GetMember(ctx, db, 42)
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if !m.Verified || m.UID == nil || m.Code != nil {
		t.Fatalf("store ended in inconsistent state: %+v", m)
	}
}

func TestBindMember_ConcurrentProductionPool(t *testing.T) {
	// Unlike the other tests this one runs against a WAL file database with
	// the full production pool, where racing deferred transactions can hit a
	// snapshot-upgrade SQLITE_BUSY. Losers must still land on a sentinel,
	// never a raw driver error.
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "gate.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	ttl := 600 * time.Second
	issued := now.Add(-time.Minute)

	const racers = 4
	for round := 0; round < 12; round++ {
		chatID := int64(1000 + round)
		code := fmt.Sprintf("RC%04d", round)
		seedMember(t, db, &domain.Member{ChatID: chatID, Code: strptr(code), CodeIssuedAt: &issued})

		var wg sync.WaitGroup
		errs := make([]error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = BindMember(ctx, db, code, fmt.Sprintf("U%d-%d", round, i), now, ttl)
			}(i)
		}
		wg.Wait()

		var okCount int
		for _, err := range errs {
			if err == nil {
				okCount++
				continue
			}
			if !errors.Is(err, ErrBindCodeExpired) && !errors.Is(err, ErrBindChatTaken) && !errors.Is(err, ErrBindUIDTaken) {
				t.Fatalf("round %d: loser observed non-deterministic error: %v", round, err)
			}
		}
		if okCount != 1 {
			t.Fatalf("round %d: exactly one bind must succeed, got %d (errs=%v)", round, okCount, errs)
		}

		m, err := GetMember(ctx, db, chatID)
		if err != nil {
			t.Fatalf("round %d: GetMember: %v", round, err)
		}
		if !m.Verified || m.UID == nil || m.Code != nil {
			t.Fatalf("round %d: store ended in inconsistent state: %+v", round, m)
		}
	}
}

func TestIsBusy(t *testing.T) {
	busy := []error{
		errors.New("database is locked (5) (SQLITE_BUSY)"),
		errors.New("database table is locked"),
		errors.New("constraint failed: SQLITE_BUSY_SNAPSHOT"),
	}
	for _, err := range busy {
		if !isBusy(err) {
			t.Fatalf("isBusy(%v) = false, want true", err)
		}
	}
	notBusy := []error{
		nil,
		errors.New("UNIQUE constraint failed: members.uid"),
		gorm.ErrRecordNotFound,
	}
	for _, err := range notBusy {
		if isBusy(err) {
			t.Fatalf("isBusy(%v) = true, want false", err)
		}
	}
}

func TestDeleteMember_And_ListStale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-2 * time.Hour)
	recent := now.Add(-10 * time.Minute)

	seedMember(t, db, &domain.Member{ChatID: 1, Code: strptr("AAAAAA"), CodeIssuedAt: &old})
	seedMember(t, db, &domain.Member{ChatID: 2, Code: strptr("BBBBBB"), CodeIssuedAt: &recent})
	seedMember(t, db, &domain.Member{ChatID: 3, Verified: true, UID: strptr("U3")})
	seedMember(t, db, &domain.Member{ChatID: 4}) // joined, never requested a code

	stale, err := ListStaleMembers(ctx, db, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStaleMembers: %v", err)
	}
	if len(stale) != 1 || stale[0].ChatID != 1 {
		t.Fatalf("stale selection = %+v, want only chat 1", stale)
	}

	if err := DeleteMember(ctx, db, 1); err != nil {
		t.Fatalf("DeleteMember: %v", err)
	}
	if _, err := GetMember(ctx, db, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted member still present: %v", err)
	}

	// Deleting a missing row is not an error.
	if err := DeleteMember(ctx, db, 1); err != nil {
		t.Fatalf("DeleteMember (missing): %v", err)
	}
}

func TestUIDUniqueIndex(t *testing.T) {
	db := newTestDB(t)

	seedMember(t, db, &domain.Member{ChatID: 1, Verified: true, UID: strptr("U1")})
	err := db.Create(&domain.Member{ChatID: 2, Verified: true, UID: strptr("U1")}).Error
	if err == nil || !isDuplicate(err) {
		t.Fatalf("second row with same uid must hit the unique index, got %v", err)
	}

	// NULL uids do not collide with each other.
	seedMember(t, db, &domain.Member{ChatID: 3})
	seedMember(t, db, &domain.Member{ChatID: 4})
}
