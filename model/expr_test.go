package model

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func constResolver(values map[string]string) resolver {
	return func(name string) (decimal.Decimal, error) {
		raw, ok := values[name]
		if !ok {
			return decimal.Zero, fmt.Errorf("unbound identifier %q", name)
		}
		return decimal.NewFromString(raw)
	}
}

func TestEvalExprArithmeticPrecedence(t *testing.T) {
	v, err := evalExpr("2 + 3 * 4", constResolver(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.String() != "14" {
		t.Fatalf("expected 14, got %s", v.String())
	}
}

func TestEvalExprParenthesesAndUnaryMinus(t *testing.T) {
	v, err := evalExpr("-(2 + 3) * 4", constResolver(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.String() != "-20" {
		t.Fatalf("expected -20, got %s", v.String())
	}
}

func TestEvalExprResolvesIdentifiers(t *testing.T) {
	v, err := evalExpr("voltage * current", constResolver(map[string]string{
		"voltage": "230", "current": "2",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.String() != "460" {
		t.Fatalf("expected 460, got %s", v.String())
	}
}

func TestEvalExprDivisionByZero(t *testing.T) {
	_, err := evalExpr("1 / 0", constResolver(nil))
	if err == nil {
		t.Fatal("expected division-by-zero error, got nil")
	}
}

func TestEvalExprUnknownIdentifierPropagatesResolverError(t *testing.T) {
	_, err := evalExpr("missing + 1", constResolver(nil))
	if err == nil {
		t.Fatal("expected error for unbound identifier, got nil")
	}
}

func TestEvalExprMalformedSyntax(t *testing.T) {
	_, err := evalExpr("1 + ", constResolver(nil))
	if err == nil {
		t.Fatal("expected syntax error, got nil")
	}

	_, err = evalExpr("(1 + 2", constResolver(nil))
	if err == nil {
		t.Fatal("expected missing-paren error, got nil")
	}

	_, err = evalExpr("1 2", constResolver(nil))
	if err == nil {
		t.Fatal("expected trailing-input error, got nil")
	}
}

func TestExprIdentifiersDedupesInFirstSeenOrder(t *testing.T) {
	ids, err := exprIdentifiers("b + a * b - c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"b", "a", "c"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}
