package kvcache

import "math"

// q8Store is a private, per-sequence quantized mirror of its page-table
// data: each appended key/value vector is scaled to its absolute max and
// packed into int8, trading precision for roughly 4x less memory than
// the float32 pages (spec §4.5). It has a fixed capacity of maxSeqLen
// positions; once full, Append returns false and the caller resets and
// retries once (matching the page-table's own full-then-evict shape).
type q8Store struct {
	hiddenDim  int
	maxSeqLen  int
	seqLen     int
	keys       []int8
	values     []int8
	keyScales  []float32
	valScales  []float32
}

func newQ8Store(hiddenDim, maxSeqLen int) *q8Store {
	return &q8Store{
		hiddenDim: hiddenDim,
		maxSeqLen: maxSeqLen,
		keys:      make([]int8, maxSeqLen*hiddenDim),
		values:    make([]int8, maxSeqLen*hiddenDim),
		keyScales: make([]float32, maxSeqLen),
		valScales: make([]float32, maxSeqLen),
	}
}

// Append quantizes and stores one position's key/value vectors. Returns
// false if the store is already at maxSeqLen capacity.
func (q *q8Store) Append(keys, values []float32) bool {
	if q.seqLen >= q.maxSeqLen {
		return false
	}
	pos := q.seqLen
	kOff := pos * q.hiddenDim
	q.keyScales[pos] = quantizeInto(keys, q.keys[kOff:kOff+q.hiddenDim])
	q.valScales[pos] = quantizeInto(values, q.values[kOff:kOff+q.hiddenDim])
	q.seqLen++
	return true
}

// Reset clears the store for reuse, keeping its allocated backing
// arrays.
func (q *q8Store) Reset() { q.seqLen = 0 }

func (q *q8Store) SeqLen() int { return q.seqLen }

func (q *q8Store) ReadKeys(pos int, out []float32) {
	offset := pos * q.hiddenDim
	dequantizeInto(q.keys[offset:offset+q.hiddenDim], q.keyScales[pos], out)
}

func (q *q8Store) ReadValues(pos int, out []float32) {
	offset := pos * q.hiddenDim
	dequantizeInto(q.values[offset:offset+q.hiddenDim], q.valScales[pos], out)
}

// AttentionScores computes a dot product of query against every stored
// key, in position order, dequantizing on the fly.
func (q *q8Store) AttentionScores(query []float32, scoresOut []float32) {
	buf := make([]float32, q.hiddenDim)
	for pos := 0; pos < q.seqLen && pos < len(scoresOut); pos++ {
		q.ReadKeys(pos, buf)
		var sum float32
		for i, v := range buf {
			sum += v * query[i]
		}
		scoresOut[pos] = sum
	}
}

func quantizeInto(src []float32, dst []int8) float32 {
	var absMax float32
	for _, v := range src {
		if a := float32(math.Abs(float64(v))); a > absMax {
			absMax = a
		}
	}
	if absMax == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return 1
	}
	scale := absMax / 127.0
	for i, v := range src {
		dst[i] = int8(math.Round(float64(v / scale)))
	}
	return scale
}

func dequantizeInto(src []int8, scale float32, dst []float32) {
	for i, v := range src {
		dst[i] = float32(v) * scale
	}
}
