// Package topics names clusters by their most distinctive terms.
//
// Each cluster's documents are pooled into one class document and terms
// are scored with class-based TF-IDF: frequent in this cluster, rare
// across all of them.
package topics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/james-bowman/nlp"
	"gonum.org/v1/gonum/mat"
)

// Noise is the cluster label of unassigned documents.
const Noise = -1

// Config controls keyword extraction and naming.
type Config struct {
	TopK            int
	MinDF           int
	NGramMax        int
	NoiseName       string
	Representatives int
	ExtraStopWords  []string
}

func DefaultConfig() Config {
	return Config{TopK: 5, MinDF: 5, NGramMax: 3, NoiseName: "noise", Representatives: 3}
}

// Keyword is a term with its c-TF-IDF score.
type Keyword struct {
	Term  string  `json:"term"`
	Score float64 `json:"score"`
}

// Topic describes one cluster after renumbering.
type Topic struct {
	ID              int
	Name            string
	Keywords        []Keyword
	Count           int
	Representatives []string
}

// Labeling is the labeler's output. Labels are the renumbered cluster
// labels, aligned with the input. Topics are ordered by ID with noise,
// when present, first.
type Labeling struct {
	Labels []int
	Topics []Topic
}

// Topic returns the topic with the given id.
func (l *Labeling) Topic(id int) (Topic, bool) {
	for _, t := range l.Topics {
		if t.ID == id {
			return t, true
		}
	}
	return Topic{}, false
}

// Labeler assigns keywords and names to clusters.
type Labeler struct {
	cfg       Config
	tokeniser *Tokeniser
	log       logr.Logger
}

func NewLabeler(cfg Config, log logr.Logger) *Labeler {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.MinDF <= 0 {
		cfg.MinDF = 1
	}
	if cfg.NGramMax <= 0 {
		cfg.NGramMax = def.NGramMax
	}
	if cfg.NoiseName == "" {
		cfg.NoiseName = def.NoiseName
	}
	if cfg.Representatives < 0 {
		cfg.Representatives = 0
	}
	return &Labeler{
		cfg:       cfg,
		tokeniser: NewTokeniser(cfg.NGramMax, StopWords(cfg.ExtraStopWords...)...),
		log:       log,
	}
}

// Label renumbers clusters by size and extracts keywords for each one.
// texts, labels and probs are aligned by row.
func (l *Labeler) Label(texts []string, labels []int, probs []float64) (*Labeling, error) {
	if len(texts) != len(labels) || len(probs) != len(labels) {
		return nil, fmt.Errorf("misaligned input: %d texts, %d labels, %d probabilities", len(texts), len(labels), len(probs))
	}

	mapping, counts := renumber(labels)
	newLabels := make([]int, len(labels))
	for i, old := range labels {
		newLabels[i] = mapping[old]
	}
	out := &Labeling{Labels: newLabels}
	if len(texts) == 0 {
		return out, nil
	}

	classTF, vocab, err := l.classCounts(texts, newLabels)
	if err != nil {
		return nil, err
	}
	scores := cTFIDF(classTF)

	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		t := Topic{ID: id, Count: counts[id]}
		if id == Noise {
			t.Name = l.cfg.NoiseName
		} else {
			t.Keywords = topKeywords(scores[id], vocab, l.cfg.TopK)
			t.Name = topicName(id, t.Keywords)
		}
		t.Representatives = representatives(texts, newLabels, probs, id, l.cfg.Representatives)
		out.Topics = append(out.Topics, t)
	}
	l.log.V(1).Info("topics labelled", "topics", len(out.Topics), "vocabulary", len(vocab))
	return out, nil
}

// renumber maps cluster labels to ids ordered by member count descending,
// ties by the old label. Noise keeps its label.
func renumber(labels []int) (map[int]int, map[int]int) {
	old := make(map[int]int)
	for _, l := range labels {
		old[l]++
	}
	clusters := make([]int, 0, len(old))
	for l := range old {
		if l != Noise {
			clusters = append(clusters, l)
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if old[a] != old[b] {
			return old[a] > old[b]
		}
		return a < b
	})

	mapping := map[int]int{Noise: Noise}
	counts := make(map[int]int, len(old))
	if n, ok := old[Noise]; ok {
		counts[Noise] = n
	}
	for id, l := range clusters {
		mapping[l] = id
		counts[id] = old[l]
	}
	return mapping, counts
}

// classCounts counts n-grams per document with the nlp count vectoriser,
// drops terms below the document frequency floor and pools the rest by
// class label.
func (l *Labeler) classCounts(texts []string, labels []int) (map[int][]float64, []string, error) {
	classTF := make(map[int][]float64)
	for _, lbl := range labels {
		classTF[lbl] = nil
	}

	empty := true
	for _, text := range texts {
		if len(l.tokeniser.Words(text)) > 0 {
			empty = false
			break
		}
	}
	if empty {
		return classTF, nil, nil
	}

	vectoriser := nlp.NewCountVectoriser()
	vectoriser.Tokeniser = l.tokeniser
	counts, err := vectoriser.FitTransform(texts...)
	if err != nil {
		return nil, nil, fmt.Errorf("counting terms: %w", err)
	}
	terms, docs := counts.Dims()
	if docs != len(texts) {
		return nil, nil, errors.New("term matrix does not cover every document")
	}

	minDF := l.cfg.MinDF
	if len(texts) < minDF {
		minDF = 1
	}

	df := make([]int, terms)
	eachNonZero(counts, func(term, _ int, _ float64) { df[term]++ })

	index := make([]int, terms)
	var vocab []string
	byIndex := make([]string, terms)
	for term, i := range vectoriser.Vocabulary {
		byIndex[i] = term
	}
	for i := range index {
		index[i] = -1
		if df[i] >= minDF {
			index[i] = len(vocab)
			vocab = append(vocab, byIndex[i])
		}
	}
	if len(vocab) == 0 {
		l.log.Info("no term passes the document frequency floor", "min_df", minDF, "terms", terms)
		return classTF, nil, nil
	}

	for lbl := range classTF {
		classTF[lbl] = make([]float64, len(vocab))
	}
	eachNonZero(counts, func(term, doc int, v float64) {
		if k := index[term]; k >= 0 {
			classTF[labels[doc]][k] += v
		}
	})
	return classTF, vocab, nil
}

func eachNonZero(m mat.Matrix, fn func(i, j int, v float64)) {
	if nz, ok := m.(mat.NonZeroDoer); ok {
		nz.DoNonZero(fn)
		return
	}
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); v != 0 {
				fn(i, j, v)
			}
		}
	}
}

// cTFIDF scores every term per class as tf/Σtf · log(1 + A/f), where A is
// the average number of words per class and f the term's frequency over
// all classes.
func cTFIDF(classTF map[int][]float64) map[int][]float64 {
	scores := make(map[int][]float64, len(classTF))
	var width int
	for _, tf := range classTF {
		width = max(width, len(tf))
	}
	if width == 0 {
		return scores
	}

	freq := make([]float64, width)
	var total float64
	for _, tf := range classTF {
		for t, v := range tf {
			freq[t] += v
			total += v
		}
	}
	avg := total / float64(len(classTF))

	for lbl, tf := range classTF {
		var sum float64
		for _, v := range tf {
			sum += v
		}
		row := make([]float64, width)
		if sum > 0 {
			for t, v := range tf {
				if v > 0 {
					row[t] = v / sum * math.Log(1+avg/freq[t])
				}
			}
		}
		scores[lbl] = row
	}
	return scores
}

func topKeywords(scores []float64, vocab []string, k int) []Keyword {
	var kws []Keyword
	for t, s := range scores {
		if s > 0 {
			kws = append(kws, Keyword{Term: vocab[t], Score: s})
		}
	}
	sort.Slice(kws, func(i, j int) bool {
		if kws[i].Score != kws[j].Score {
			return kws[i].Score > kws[j].Score
		}
		return kws[i].Term < kws[j].Term
	})
	if len(kws) > k {
		kws = kws[:k]
	}
	return kws
}

// topicName joins the id and up to four keywords with underscores.
func topicName(id int, kws []Keyword) string {
	if len(kws) == 0 {
		return "topic_" + strconv.Itoa(id)
	}
	parts := []string{strconv.Itoa(id)}
	for i, kw := range kws {
		if i == 4 {
			break
		}
		parts = append(parts, kw.Term)
	}
	return strings.Join(parts, "_")
}

// representatives returns up to n non-empty texts of the topic, highest
// probability first.
func representatives(texts []string, labels []int, probs []float64, id, n int) []string {
	if n == 0 {
		return nil
	}
	var rows []int
	for i, l := range labels {
		if l == id && strings.TrimSpace(texts[i]) != "" {
			rows = append(rows, i)
		}
	}
	sort.SliceStable(rows, func(a, b int) bool { return probs[rows[a]] > probs[rows[b]] })
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = texts[r]
	}
	return out
}
