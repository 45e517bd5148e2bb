package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/docviewer/internal/annotation"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Record{}, &migrationRecord{}); err != nil {
		t.Fatalf("migrating schema: %v", err)
	}
	return db
}

func mustService(t *testing.T, db *gorm.DB, clock func() time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return service
}

func fixedClock(seconds int64) func() time.Time {
	return func() time.Time { return time.Unix(seconds, 0).UTC() }
}

func squareRecord(id string) annotation.Annotation {
	return annotation.Annotation{
		ID:         id,
		DocumentID: "doc-1",
		UserID:     "user-1",
		UserName:   "Student One",
		Page:       2,
		Kind: annotation.Square{
			Color: "#FF0000",
			Width: 2,
			Rect:  annotation.Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10},
		},
	}
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	if err == nil {
		t.Fatal("expected error for missing database")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("err = %T, want *ServiceError", err)
	}
	if serviceErr.Code() != "annotations.service.new.missing_database" {
		t.Fatalf("code = %s", serviceErr.Code())
	}
}

func TestCreateAndGetSession(t *testing.T) {
	db := openTestDatabase(t)
	service := mustService(t, db, fixedClock(1700000000))

	created, err := service.CreateSession(context.Background(), Session{
		SessionKey:         "sess-1",
		DocumentID:         "doc-1",
		DocumentPath:       "/tmp/doc.pdf",
		UserID:             "user-1",
		UserName:           "Student One",
		Permissions:        "readwrite",
		AnnotationsEnabled: true,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.CreatedAtSeconds != 1700000000 {
		t.Fatalf("created_at = %d, want the service clock", created.CreatedAtSeconds)
	}

	fetched, err := service.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if fetched.UserName != "Student One" || !fetched.AnnotationsEnabled {
		t.Fatalf("fetched session = %+v", fetched)
	}

	if _, err := service.GetSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestUpsertStampsTimestampsAndPreservesCreation(t *testing.T) {
	db := openTestDatabase(t)

	first := mustService(t, db, fixedClock(1700000000))
	stored, err := first.UpsertAnnotation(context.Background(), "sess-1", squareRecord("a1"))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if stored.CreatedAt == nil || stored.CreatedAt.Unix() != 1700000000 {
		t.Fatalf("created_at = %v, want the first clock", stored.CreatedAt)
	}

	later := mustService(t, db, fixedClock(1700000500))
	updated, err := later.UpsertAnnotation(context.Background(), "sess-1", squareRecord("a1"))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if updated.CreatedAt == nil || updated.CreatedAt.Unix() != 1700000000 {
		t.Fatalf("created_at = %v, must survive updates", updated.CreatedAt)
	}
	if updated.ModifiedAt == nil || updated.ModifiedAt.Unix() != 1700000500 {
		t.Fatalf("modified_at = %v, want the second clock", updated.ModifiedAt)
	}

	records, err := later.ListAnnotations(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("ListAnnotations: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want the upsert to overwrite in place", len(records))
	}
}

func TestUpsertRejectsMissingID(t *testing.T) {
	service := mustService(t, openTestDatabase(t), nil)
	if _, err := service.UpsertAnnotation(context.Background(), "sess-1", squareRecord("")); err == nil {
		t.Fatal("expected error for missing annotation id")
	}
}

func TestDeleteTombstonesRecord(t *testing.T) {
	db := openTestDatabase(t)
	service := mustService(t, db, fixedClock(1700000000))

	if _, err := service.UpsertAnnotation(context.Background(), "sess-1", squareRecord("a1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err := service.DeleteAnnotation(context.Background(), "sess-1", "a1", "Teacher One", "user-9")
	if err != nil {
		t.Fatalf("DeleteAnnotation: %v", err)
	}

	records, err := service.ListAnnotations(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("ListAnnotations: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, tombstones must stay listed", len(records))
	}
	got := records[0]
	if !got.Deleted || got.DeletedBy != "Teacher One" || got.DeletedByID != "user-9" {
		t.Fatalf("tombstone = %+v", got)
	}
	if got.DeletedAt == nil {
		t.Fatal("tombstone must carry a deletion time")
	}
}

func TestDeleteUnknownAnnotation(t *testing.T) {
	service := mustService(t, openTestDatabase(t), nil)
	err := service.DeleteAnnotation(context.Background(), "sess-1", "ghost", "", "")
	if !errors.Is(err, ErrAnnotationNotFound) {
		t.Fatalf("err = %v, want ErrAnnotationNotFound", err)
	}
}

func TestUpsertRevivesTombstone(t *testing.T) {
	db := openTestDatabase(t)
	service := mustService(t, db, fixedClock(1700000000))

	if _, err := service.UpsertAnnotation(context.Background(), "sess-1", squareRecord("a1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := service.DeleteAnnotation(context.Background(), "sess-1", "a1", "x", "y"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	revived, err := service.UpsertAnnotation(context.Background(), "sess-1", squareRecord("a1"))
	if err != nil {
		t.Fatalf("revive upsert: %v", err)
	}
	if revived.Deleted || revived.DeletedBy != "" {
		t.Fatalf("revived = %+v, want deletion cleared", revived)
	}
}

func TestBackfillModifiedAtMigration(t *testing.T) {
	db := openTestDatabase(t)
	legacy := Record{
		SessionKey:       "sess-1",
		AnnotationID:     "a1",
		UserID:           "user-1",
		PayloadJSON:      `{"id":"a1","type":"square","color":"#000000","width":1,"rect":[[0,0],[1,1]]}`,
		CreatedAtSeconds: 1690000000,
	}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("seeding legacy row: %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("applyMigrations: %v", err)
	}

	var migrated Record
	if err := db.Where("annotation_id = ?", "a1").Take(&migrated).Error; err != nil {
		t.Fatalf("reading migrated row: %v", err)
	}
	if migrated.ModifiedAtSeconds != 1690000000 {
		t.Fatalf("modified_at = %d, want backfilled from created_at", migrated.ModifiedAtSeconds)
	}

	// Running again must be a no-op.
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("second applyMigrations: %v", err)
	}
}
