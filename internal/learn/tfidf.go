// Package learn holds the two batch learning tiers (pattern analysis and
// deep optimization) and the consistency validator they share.
package learn

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

type indexedDoc struct {
	Key  string
	Text string
}

type sparseVec = map[int]float64

type tfidfIndex struct {
	vocab map[string]int
	idf   []float64
	docs  []sparseVec
	items []indexedDoc
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	var tokens []string
	var cur strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func buildTFIDFIndex(items []indexedDoc) *tfidfIndex {
	if len(items) == 0 {
		return &tfidfIndex{vocab: make(map[string]int)}
	}

	// Build vocabulary.
	vocab := make(map[string]int)
	for _, item := range items {
		for _, tok := range tokenize(item.Text) {
			if _, ok := vocab[tok]; !ok {
				vocab[tok] = len(vocab)
			}
		}
	}

	// Document frequency.
	df := make([]int, len(vocab))
	docs := make([]sparseVec, len(items))
	n := float64(len(items))

	for i, item := range items {
		tokens := tokenize(item.Text)
		tf := make(map[int]int)
		for _, tok := range tokens {
			if idx, ok := vocab[tok]; ok {
				tf[idx]++
			}
		}
		vec := make(sparseVec, len(tf))
		for idx, count := range tf {
			vec[idx] = float64(count)
			df[idx]++
		}
		docs[i] = vec
	}

	// IDF.
	idf := make([]float64, len(vocab))
	for i, d := range df {
		if d > 0 {
			idf[i] = math.Log(n/float64(d)) + 1.0
		}
	}

	// Apply TF-IDF weighting.
	for _, vec := range docs {
		for idx := range vec {
			vec[idx] *= idf[idx]
		}
	}

	return &tfidfIndex{
		vocab: vocab,
		idf:   idf,
		docs:  docs,
		items: items,
	}
}

func (idx *tfidfIndex) queryVec(query string) sparseVec {
	tokens := tokenize(query)
	tf := make(map[int]int)
	for _, tok := range tokens {
		if i, ok := idx.vocab[tok]; ok {
			tf[i]++
		}
	}
	vec := make(sparseVec, len(tf))
	for i, count := range tf {
		vec[i] = float64(count) * idx.idf[i]
	}
	return vec
}

type scoredDoc struct {
	item  indexedDoc
	score float64
}

// topK returns the K most similar indexed documents to query with their
// cosine similarity, best first.
func (idx *tfidfIndex) topK(query string, k int) []scoredDoc {
	if len(idx.items) == 0 || k <= 0 {
		return nil
	}
	qvec := idx.queryVec(query)
	if len(qvec) == 0 {
		return nil
	}

	var results []scoredDoc
	for i, dvec := range idx.docs {
		sim := cosineSim(qvec, dvec)
		if sim > 0 {
			results = append(results, scoredDoc{idx.items[i], sim})
		}
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].score != results[b].score {
			return results[a].score > results[b].score
		}
		return results[a].item.Key < results[b].item.Key
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// similarity computes pairwise cosine similarity between two indexed
// documents by position.
func (idx *tfidfIndex) similarity(i, j int) float64 {
	if i < 0 || j < 0 || i >= len(idx.docs) || j >= len(idx.docs) {
		return 0
	}
	return cosineSim(idx.docs[i], idx.docs[j])
}

func cosineSim(a, b sparseVec) float64 {
	var dot, normA, normB float64
	for i, va := range a {
		if vb, ok := b[i]; ok {
			dot += va * vb
		}
		normA += va * va
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// stopwords excluded from extracted trigger keywords.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "into": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "our": true,
	"that": true, "the": true, "this": true, "to": true, "with": true, "we": true,
	"add": true, "new": true, "support": true, "implement": true, "update": true,
}

// commonKeywords extracts tokens shared by at least half the descriptions,
// most frequent first, capped at max.
func commonKeywords(descriptions []string, max int) []string {
	if len(descriptions) == 0 {
		return nil
	}
	df := make(map[string]int)
	for _, d := range descriptions {
		seen := make(map[string]bool)
		for _, tok := range tokenize(d) {
			if len(tok) < 3 || stopwords[tok] || seen[tok] {
				continue
			}
			seen[tok] = true
			df[tok]++
		}
	}
	threshold := (len(descriptions) + 1) / 2
	type kw struct {
		token string
		count int
	}
	var candidates []kw
	for tok, count := range df {
		if count >= threshold {
			candidates = append(candidates, kw{tok, count})
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].count != candidates[b].count {
			return candidates[a].count > candidates[b].count
		}
		return candidates[a].token < candidates[b].token
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.token
	}
	return out
}
