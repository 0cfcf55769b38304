// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package untrusted

import (
	"errors"
	"testing"
	"unicode/utf8"
)

func TestString(t *testing.T) {
	valid := "subscription.paused"
	if got := String(valid); got != valid {
		t.Fatalf("expected valid string unchanged, got %q", got)
	}

	invalid := string([]byte{'e', 'v', 't', 0xff, 0xfe})
	got := String(invalid)
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8, got invalid: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Fatalf("expected unchanged string, got %q", got)
	}

	long := "aaaa" + "é"
	got := Truncate(long, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("expected truncation not to split a rune, got %q", got)
	}
	if got != "aaaa" {
		t.Fatalf("expected %q, got %q", "aaaa", got)
	}
}

func TestError(t *testing.T) {
	if Error(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}

	invalid := string([]byte{0xff, 0xfe, 'a'})
	err := errors.New(invalid)
	if utf8.ValidString(err.Error()) {
		t.Fatalf("test setup failed: error string should be invalid UTF-8")
	}

	serr := Error(err)
	if !utf8.ValidString(serr.Error()) {
		t.Fatalf("expected sanitized error string to be valid UTF-8, got: %q", serr.Error())
	}
	if !errors.Is(serr, err) {
		t.Fatalf("expected sanitized error to unwrap to the original")
	}
}
