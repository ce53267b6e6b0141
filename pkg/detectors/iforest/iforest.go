// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/hed1ad/herdguard/pkg/detectors"
)

// Name identifies isolation forest models in persisted scorer state.
const Name = "iforest"

const (
	autoSampleSize = 256
	// autoOffset is the score threshold used when no contamination is set.
	autoOffset = 0.5
	eulerGamma = 0.5772156649
)

// IsolationForest fits isolation tree ensembles. It holds configuration only;
// each Fit returns an independent Forest.
type IsolationForest struct {
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64
}

var _ detectors.Scorer = (*IsolationForest)(nil)

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree. Zero selects
// min(256, n).
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// WithConfig applies the shared detector configuration.
func WithConfig(cfg detectors.Config) Option {
	return func(f *IsolationForest) {
		f.nTrees = cfg.NEstimators
		f.sampleSize = cfg.MaxSamples
		f.contamination = cfg.Contamination
		f.seed = cfg.RandomSeed
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		contamination: 0.1,
		seed:          42,
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.nTrees < 1 {
		f.nTrees = 1
	}

	return f
}

// Name implements detectors.Scorer.
func (f *IsolationForest) Name() string {
	return Name
}

// Forest is a fitted isolation forest.
type Forest struct {
	Trees      []Tree
	NFeatures  int
	SampleSize int
	// Offset is the anomaly score above which samples are outliers.
	Offset float64
}

var _ detectors.Model = (*Forest)(nil)

// Tree is one isolation tree stored as a flat node list; node 0 is the root.
type Tree struct {
	Nodes []Node
}

// Node is a split (Left >= 0) or a leaf holding the number of training
// samples that reached it.
type Node struct {
	Feature int
	Split   float64
	Left    int
	Right   int
	Size    int
}

func (n Node) leaf() bool {
	return n.Left < 0
}

// Fit trains an Isolation Forest on the provided data. Every call reseeds the
// generator, so equal data and options produce identical forests.
func (f *IsolationForest) Fit(data [][]float64) (detectors.Model, error) {
	if len(data) == 0 {
		return nil, eris.Wrap(detectors.ErrInput, "iforest: empty training data")
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return nil, eris.Wrap(detectors.ErrInput, "iforest: no features")
	}
	for i, row := range data {
		if len(row) != nFeatures {
			return nil, eris.Wrapf(detectors.ErrInput, "iforest: row %d has %d features, want %d", i, len(row), nFeatures)
		}
	}

	// Adjust sample size if needed
	sampleSize := f.sampleSize
	if sampleSize <= 0 {
		sampleSize = autoSampleSize
	}
	if sampleSize > nSamples {
		sampleSize = nSamples
	}

	b := builder{
		data:      data,
		nFeatures: nFeatures,
		maxDepth:  int(math.Ceil(math.Log2(float64(sampleSize)))),
		rng:       rand.New(rand.NewSource(f.seed)),
	}

	forest := &Forest{
		Trees:      make([]Tree, f.nTrees),
		NFeatures:  nFeatures,
		SampleSize: sampleSize,
		Offset:     autoOffset,
	}
	for i := range forest.Trees {
		// Sample without replacement
		indices := b.rng.Perm(nSamples)[:sampleSize]
		forest.Trees[i] = b.buildTree(indices)
	}

	// Set threshold based on contamination
	if f.contamination > 0 {
		scores, err := forest.Scores(data)
		if err != nil {
			return nil, err
		}
		forest.Offset = percentile(scores, 100*(1-f.contamination))
	}

	return forest, nil
}

type builder struct {
	data      [][]float64
	nFeatures int
	maxDepth  int
	rng       *rand.Rand
}

func (b *builder) buildTree(indices []int) Tree {
	var t Tree
	b.buildNode(&t, indices, 0)
	return t
}

func (b *builder) buildNode(t *Tree, indices []int, depth int) int {
	id := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Left: -1, Right: -1, Size: len(indices)})

	// Terminal conditions
	if depth >= b.maxDepth || len(indices) <= 1 {
		return id
	}

	// Random feature and split value
	feature := b.rng.Intn(b.nFeatures)

	minVal, maxVal := b.data[indices[0]][feature], b.data[indices[0]][feature]
	for _, idx := range indices[1:] {
		v := b.data[idx][feature]
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}

	// If all values are the same, return leaf
	if minVal == maxVal {
		return id
	}

	splitValue := minVal + b.rng.Float64()*(maxVal-minVal)

	var left, right []int
	for _, idx := range indices {
		if b.data[idx][feature] < splitValue {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}

	l := b.buildNode(t, left, depth+1)
	r := b.buildNode(t, right, depth+1)
	t.Nodes[id] = Node{Feature: feature, Split: splitValue, Left: l, Right: r, Size: len(indices)}
	return id
}

// Scores returns anomaly scores in (0, 1] for the given samples; higher
// scores are more anomalous.
func (m *Forest) Scores(data [][]float64) ([]float64, error) {
	norm := averagePathLength(float64(m.SampleSize))
	if norm == 0 {
		norm = 1
	}

	scores := make([]float64, len(data))
	for i, sample := range data {
		if len(sample) != m.NFeatures {
			return nil, eris.Wrapf(detectors.ErrInput, "iforest: sample %d has %d features, want %d", i, len(sample), m.NFeatures)
		}

		// Average path length across all trees
		var totalPath float64
		for t := range m.Trees {
			totalPath += m.Trees[t].pathLength(sample)
		}
		avgPath := totalPath / float64(len(m.Trees))

		// Anomaly score: 2^(-avgPath / c(n))
		scores[i] = math.Pow(2, -avgPath/norm)
	}

	return scores, nil
}

// Decision implements detectors.Model: the value is Offset minus the anomaly
// score, so outliers are negative.
func (m *Forest) Decision(data [][]float64) ([]detectors.Score, error) {
	scores, err := m.Scores(data)
	if err != nil {
		return nil, err
	}

	out := make([]detectors.Score, len(scores))
	for i, s := range scores {
		d := m.Offset - s
		out[i] = detectors.Score{Value: d, IsAnomaly: d < 0}
	}
	return out, nil
}

// pathLength calculates the path length for a sample in a tree.
func (t *Tree) pathLength(sample []float64) float64 {
	depth := 0
	n := t.Nodes[0]
	for !n.leaf() {
		if sample[n.Feature] < n.Split {
			n = t.Nodes[n.Left]
		} else {
			n = t.Nodes[n.Right]
		}
		depth++
	}
	// Leaf node: add expected path length for remaining isolation
	return float64(depth) + averagePathLength(float64(n.Size))
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, where H is harmonic number
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// MarshalBinary serializes the fitted forest.
func (m *Forest) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, eris.Wrap(err, "iforest: encode forest")
	}
	return buf.Bytes(), nil
}

// Restore implements detectors.Scorer.
func (f *IsolationForest) Restore(data []byte) (detectors.Model, error) {
	var m Forest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, eris.Wrapf(detectors.ErrState, "iforest: decode forest: %v", err)
	}
	if len(m.Trees) == 0 || m.NFeatures == 0 {
		return nil, eris.Wrap(detectors.ErrState, "iforest: decoded forest is empty")
	}
	for _, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return nil, eris.Wrap(detectors.ErrState, "iforest: decoded tree is empty")
		}
		for _, n := range t.Nodes {
			if n.leaf() {
				continue
			}
			if n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes) || n.Feature < 0 || n.Feature >= m.NFeatures {
				return nil, eris.Wrap(detectors.ErrState, "iforest: decoded tree is corrupt")
			}
		}
	}
	return &m, nil
}

// percentile calculates the p-th percentile of the data using linear
// interpolation between closest ranks.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	pos := float64(len(sorted)-1) * p / 100
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
