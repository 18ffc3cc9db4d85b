package metadata

import (
	"context"
	"errors"
	"testing"
)

// runIndexContract 对任意后端执行同一组语义检查。
func runIndexContract(t *testing.T, newIndex func(t *testing.T) Index) {
	t.Run("lookup miss", func(t *testing.T) {
		idx := newIndex(t)
		_, found, err := idx.Lookup(context.Background(), "abc123", "fp")
		if err != nil {
			t.Fatalf("lookup error: %v", err)
		}
		if found {
			t.Fatalf("expected miss on empty index")
		}
	})

	t.Run("insert then lookup", func(t *testing.T) {
		idx := newIndex(t)
		ctx := context.Background()
		if err := idx.Insert(ctx, FileRef{Namespace: "abc123", Fingerprint: "fp", ObjectID: "obj-1"}); err != nil {
			t.Fatalf("insert error: %v", err)
		}
		id, found, err := idx.Lookup(ctx, "abc123", "fp")
		if err != nil || !found || id != "obj-1" {
			t.Fatalf("expected obj-1, got %q found=%v err=%v", id, found, err)
		}
	})

	t.Run("last write wins", func(t *testing.T) {
		idx := newIndex(t)
		ctx := context.Background()
		_ = idx.Insert(ctx, FileRef{Namespace: "abc123", Fingerprint: "fp", ObjectID: "obj-1"})
		if err := idx.Insert(ctx, FileRef{Namespace: "abc123", Fingerprint: "fp", ObjectID: "obj-2"}); err != nil {
			t.Fatalf("second insert error: %v", err)
		}
		id, _, _ := idx.Lookup(ctx, "abc123", "fp")
		if id != "obj-2" {
			t.Fatalf("expected last write to win, got %q", id)
		}
		if counter, ok := idx.(Counter); ok {
			if n, err := counter.Count(ctx, "abc123"); err != nil || n != 1 {
				t.Fatalf("expected exactly one ref, got %d (%v)", n, err)
			}
		}
	})

	t.Run("delete all is scoped to namespace", func(t *testing.T) {
		idx := newIndex(t)
		ctx := context.Background()
		_ = idx.Insert(ctx, FileRef{Namespace: "abc", Fingerprint: "fp1", ObjectID: "a1"})
		_ = idx.Insert(ctx, FileRef{Namespace: "abc", Fingerprint: "fp2", ObjectID: "a2"})
		_ = idx.Insert(ctx, FileRef{Namespace: "abc123", Fingerprint: "fp1", ObjectID: "b1"})

		if err := idx.DeleteAll(ctx, "abc"); err != nil {
			t.Fatalf("delete error: %v", err)
		}
		for _, fp := range []string{"fp1", "fp2"} {
			if _, found, _ := idx.Lookup(ctx, "abc", fp); found {
				t.Fatalf("%s should be gone after DeleteAll", fp)
			}
		}
		if id, found, _ := idx.Lookup(ctx, "abc123", "fp1"); !found || id != "b1" {
			t.Fatalf("other namespace must survive, got %q found=%v", id, found)
		}
		if err := idx.DeleteAll(ctx, "never-used"); err != nil {
			t.Fatalf("deleting an empty namespace should succeed: %v", err)
		}
	})

	t.Run("rejects empty keys", func(t *testing.T) {
		idx := newIndex(t)
		err := idx.Insert(context.Background(), FileRef{Namespace: "abc", Fingerprint: "", ObjectID: "x"})
		if !errors.Is(err, ErrEmptyKey) {
			t.Fatalf("expected ErrEmptyKey, got %v", err)
		}
	})
}
