package blobstore

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMessageKey(t *testing.T) {
	if got := MessageKey("abc-123"); got != "hl7/abc-123.hl7" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestInMemoryArchive_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryArchive()
	data := []byte("MSH|^~\\&|LIS|LAB")

	info, err := a.Put(ctx, MessageKey("r1"), data, ContentTypeHL7)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.Size != int64(len(data)) || len(info.Hash) != 64 {
		t.Errorf("unexpected info %+v", info)
	}

	// Mutating the caller's slice must not change the stored copy.
	data[0] = 'X'
	got, gotInfo, err := a.Get(ctx, MessageKey("r1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.HasPrefix(string(got), "MSH") {
		t.Errorf("stored blob was aliased: %q", got)
	}
	if gotInfo.ContentType != ContentTypeHL7 {
		t.Errorf("unexpected content type %q", gotInfo.ContentType)
	}
	if keys := a.Keys(); len(keys) != 1 || keys[0] != "hl7/r1.hl7" {
		t.Errorf("unexpected keys %v", keys)
	}

	if err := a.Delete(ctx, MessageKey("r1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := a.Get(ctx, MessageKey("r1")); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	if err := a.Delete(ctx, MessageKey("r1")); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
	}
}

func TestInMemoryArchive_Validation(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryArchive()

	if _, err := a.Put(ctx, " ", []byte("x"), ContentTypeHL7); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
	big := make([]byte, MaxBlobSize+1)
	if _, err := a.Put(ctx, "k", big, ContentTypeHL7); !errors.Is(err, ErrBlobTooLarge) {
		t.Errorf("expected ErrBlobTooLarge, got %v", err)
	}
}
