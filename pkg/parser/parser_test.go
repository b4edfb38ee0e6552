package parser

import (
	"testing"

	"tether/pkg/ast"
)

func TestParseAtoms(t *testing.T) {
	cases := []struct {
		input string
		tag   ast.Tag
	}{
		{"42", ast.TInt},
		{"-7", ast.TInt},
		{"3.14", ast.TFloat},
		{"-0.5e2", ast.TFloat},
		{"foo", ast.TSym},
	}
	for _, c := range cases {
		v, err := ParseString(c.input)
		if err != nil {
			t.Fatalf("ParseString(%q): %v", c.input, err)
		}
		if v.Tag != c.tag {
			t.Errorf("ParseString(%q): got tag %v, want %v", c.input, v.Tag, c.tag)
		}
	}
}

func TestParseList(t *testing.T) {
	v, err := ParseString("(+ 1 2)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ast.IsCell(v) || !ast.IsSym(v.Car) || v.Car.Str != "+" {
		t.Fatalf("expected (+ 1 2), got %v", v)
	}
}

func TestParseQuoteForms(t *testing.T) {
	v, err := ParseString("'x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ast.IsCell(v) || v.Car.Str != "quote" {
		t.Fatalf("expected (quote x), got %v", v)
	}

	v, err = ParseString("`(a ,b ,@c)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Car.Str != "quasiquote" {
		t.Fatalf("expected (quasiquote ...), got %v", v)
	}
}

func TestParseString(t *testing.T) {
	v, err := ParseString(`"hi\n"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Car == nil || v.Car.Str != "quote" {
		t.Fatalf("expected a quoted char list, got %v", v)
	}
}

func TestParseCharLiterals(t *testing.T) {
	v, err := ParseString(`#\newline`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Tag != ast.TChar || v.Int != '\n' {
		t.Fatalf("expected newline char, got %v", v)
	}
}

func TestParseAllMultipleExprs(t *testing.T) {
	exprs, err := ParseAllString("1 2 3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exprs) != 3 {
		t.Fatalf("expected 3 expressions, got %d", len(exprs))
	}
}

func TestParseUnclosedListReportsLine(t *testing.T) {
	_, err := ParseString("(+ 1\n   2")
	if err == nil {
		t.Fatal("expected an error for an unclosed list")
	}
	if got, want := err.Error(), "line 2: unclosed list"; got != want {
		t.Errorf("got error %q, want %q", got, want)
	}
}

func TestParseTracksLineAcrossNewlines(t *testing.T) {
	p := New("(a\n (b\n  c))")
	v, err := p.Parse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Line != 1 {
		t.Errorf("outer list: got Line %d, want 1", v.Line)
	}

	inner := v.Cdr.Car
	if inner.Line != 2 {
		t.Errorf("inner list: got Line %d, want 2", inner.Line)
	}

	innerSym := inner.Cdr.Car
	if innerSym.Line != 3 {
		t.Errorf("innermost symbol: got Line %d, want 3", innerSym.Line)
	}
}

func TestParseCommentsSkipped(t *testing.T) {
	v, err := ParseString("; a comment\n42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Tag != ast.TInt || v.Int != 42 {
		t.Fatalf("expected 42, got %v", v)
	}
}
