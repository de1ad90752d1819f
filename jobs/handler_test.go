package jobs

import (
	"testing"

	"github.com/mosaicvideo/mosaic/errors"
)

// TestFatalMarksErrorNoRetry tests the Fatal wrapper and IsFatal detection
func TestFatalMarksErrorNoRetry(t *testing.T) {
	plain := errors.New("network hiccup")
	if IsFatal(plain) {
		t.Error("Plain error should be retryable")
	}

	fatal := Fatal(plain)
	if !IsFatal(fatal) {
		t.Error("Fatal-wrapped error should not be retryable")
	}
	if fatal.Error() != plain.Error() {
		t.Errorf("Fatal changed the message: %q", fatal.Error())
	}

	wrapped := errors.Wrap(Fatalf("bad payload field %s", "artist_id"), "enrichment")
	if !IsFatal(wrapped) {
		t.Error("Fatal should survive wrapping")
	}
}

// TestValidationErrorsAreFatal tests that validation failures never retry
func TestValidationErrorsAreFatal(t *testing.T) {
	err := errors.NewValidationError("missing video_id")
	if !IsFatal(err) {
		t.Error("Validation errors must be fatal")
	}
}

// TestFatalNilPassthrough tests that Fatal(nil) stays nil
func TestFatalNilPassthrough(t *testing.T) {
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) should be nil")
	}
	if IsFatal(nil) {
		t.Error("IsFatal(nil) should be false")
	}
}

// TestRegistryRegisterAndLookup tests the type→factory mapping
func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(TypeDownload, func() Handler { return nil })

	if !r.Has(TypeDownload) {
		t.Error("Registered type not found")
	}
	if r.Get(TypeDownload) == nil {
		t.Error("Get returned nil for registered type")
	}
	if r.Get(TypeThumbnail) != nil {
		t.Error("Get returned a factory for an unregistered type")
	}
	if types := r.Types(); len(types) != 1 || types[0] != TypeDownload {
		t.Errorf("Unexpected types: %v", types)
	}
}

// TestRegistryDuplicatePanics tests that double registration is caught at
// startup
func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(TypeDownload, func() Handler { return nil })

	defer func() {
		if recover() == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	r.Register(TypeDownload, func() Handler { return nil })
}
