package prompt

import (
	"context"
	"testing"
)

func TestRequestAccepted(t *testing.T) {
	t.Parallel()

	req := Request{Options: []string{"Create", "Cancel"}}
	if !req.Accepted("Create") {
		t.Fatal("first option must count as accepted")
	}
	if req.Accepted("Cancel") {
		t.Fatal("second option must not count as accepted")
	}
	if req.Accepted("") {
		t.Fatal("dismissal must not count as accepted")
	}
	if (Request{}).Accepted("") {
		t.Fatal("empty request must never be accepted")
	}
}

func TestHuhConfirmerRejectsEmptyOptions(t *testing.T) {
	t.Parallel()

	if _, err := (HuhConfirmer{}).Confirm(context.Background(), Request{Title: "?"}); err == nil {
		t.Fatal("expected error for request without options")
	}
}

func TestOpenURLValidatesInput(t *testing.T) {
	t.Parallel()

	if err := OpenURL("  "); err == nil {
		t.Fatal("expected error for empty url")
	}
}
