package domain

import (
	"errors"
	"testing"
)

func TestConditionValidate(t *testing.T) {
	good := []Condition{
		{Kind: CondKeyword, Keywords: []string{"oauth"}},
		{Kind: CondRegex, Pattern: `(?i)migrat(e|ion)`},
		{Kind: CondAll, Subs: []Condition{
			{Kind: CondKeyword, Keywords: []string{"database"}},
			{Kind: CondKeyword, Keywords: []string{"schema"}},
		}},
	}
	for i := range good {
		if err := good[i].Validate(); err != nil {
			t.Errorf("Validate(%s) unexpected error: %v", good[i].Kind, err)
		}
	}

	bad := []Condition{
		{Kind: CondKeyword},
		{Kind: CondRegex, Pattern: `([unclosed`},
		{Kind: CondAny},
		{Kind: "glob", Pattern: "*"},
	}
	for i := range bad {
		err := bad[i].Validate()
		if err == nil {
			t.Errorf("Validate(%s) expected error, got nil", bad[i].Kind)
			continue
		}
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Validate(%s) error not ErrValidation: %v", bad[i].Kind, err)
		}
	}
}

func TestConditionMatches(t *testing.T) {
	desc := "Migrate the OAuth login flow to the new provider"

	keyword := Condition{Kind: CondKeyword, Keywords: []string{"oauth", "LOGIN"}}
	if !keyword.Matches(desc) {
		t.Fatalf("keyword condition should match case-insensitively")
	}
	if keyword.Matches("unrelated work item text") {
		t.Fatalf("keyword condition matched unrelated text")
	}

	regex := Condition{Kind: CondRegex, Pattern: `(?i)migrat(e|ion)`}
	if err := regex.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !regex.Matches(desc) {
		t.Fatalf("regex condition should match")
	}

	all := Condition{Kind: CondAll, Subs: []Condition{keyword, regex}}
	if !all.Matches(desc) {
		t.Fatalf("all condition should match when every sub matches")
	}
	any := Condition{Kind: CondAny, Subs: []Condition{
		{Kind: CondKeyword, Keywords: []string{"kubernetes"}},
		regex,
	}}
	if !any.Matches(desc) {
		t.Fatalf("any condition should match when one sub matches")
	}
}

func TestConditionKeyCanonical(t *testing.T) {
	a := Condition{Kind: CondKeyword, Keywords: []string{"OAuth", "login"}}
	b := Condition{Kind: CondKeyword, Keywords: []string{"login", "oauth"}}
	if a.Key() != b.Key() {
		t.Fatalf("equivalent triggers produced different keys: %q vs %q", a.Key(), b.Key())
	}
	c := Condition{Kind: CondKeyword, Keywords: []string{"oauth"}}
	if a.Key() == c.Key() {
		t.Fatalf("different triggers produced the same key: %q", a.Key())
	}
}
