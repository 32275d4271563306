package learn

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	got := tokenize("Migrate the orders-table to Postgres 15!")
	want := []string{"migrate", "the", "orders", "table", "to", "postgres", "15"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokenize = %v, want %v", got, want)
	}
}

func TestTopKRanksBySimilarity(t *testing.T) {
	idx := buildTFIDFIndex([]indexedDoc{
		{Key: "a", Text: "migrate billing database schema"},
		{Key: "b", Text: "fix login redirect bug"},
		{Key: "c", Text: "migrate user database to new schema"},
	})

	got := idx.topK("database schema migration", 2)
	if len(got) != 2 {
		t.Fatalf("topK returned %d results, want 2", len(got))
	}
	for _, s := range got {
		if s.item.Key == "b" {
			t.Fatalf("unrelated doc ranked in top 2: %+v", got)
		}
	}
	if got[0].score < got[1].score {
		t.Fatalf("results not sorted by score: %+v", got)
	}

	if idx.topK("completely unrelated query zzz", 2) != nil {
		t.Fatalf("query with no vocabulary overlap should return nil")
	}
}

func TestSimilarityPairwise(t *testing.T) {
	idx := buildTFIDFIndex([]indexedDoc{
		{Key: "a", Text: "migrate billing database schema"},
		{Key: "b", Text: "migrate billing database schema"},
		{Key: "c", Text: "fix login redirect bug"},
	})
	if sim := idx.similarity(0, 1); sim < 0.99 {
		t.Fatalf("identical docs similarity = %f, want ~1", sim)
	}
	if sim := idx.similarity(0, 2); sim != 0 {
		t.Fatalf("disjoint docs similarity = %f, want 0", sim)
	}
	if idx.similarity(0, 0) < 0.99 {
		t.Fatalf("self similarity must be ~1")
	}
	if idx.similarity(-1, 5) != 0 {
		t.Fatalf("out of range similarity must be 0")
	}
}

func TestCommonKeywords(t *testing.T) {
	descs := []string{
		"Migrate the billing database schema",
		"Migrate billing exports to the new database",
		"Billing database cleanup after migrate",
	}
	got := commonKeywords(descs, 2)
	if len(got) != 2 {
		t.Fatalf("commonKeywords = %v, want 2 keywords", got)
	}
	for _, kw := range got {
		if kw != "billing" && kw != "database" && kw != "migrate" {
			t.Fatalf("unexpected keyword %q in %v", kw, got)
		}
	}

	if kws := commonKeywords(nil, 3); kws != nil {
		t.Fatalf("empty input should yield nil, got %v", kws)
	}
	// Stopwords and short tokens never qualify.
	kws := commonKeywords([]string{"add to the DB", "add to the DB"}, 3)
	for _, kw := range kws {
		if kw == "add" || kw == "the" || kw == "to" || kw == "db" {
			t.Fatalf("stopword or short token leaked: %v", kws)
		}
	}
}
