package kvcache_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/tutu-network/corerun/internal/domain"
	"github.com/tutu-network/corerun/internal/kvcache"
)

func fillVec(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

var _ = Describe("Manager", func() {
	var cfg kvcache.Config

	BeforeEach(func() {
		cfg = kvcache.Config{
			HiddenDim:          128,
			MaxPages:           16,
			MaxSeqLen:          256,
			EnableQuantization: true,
			Eviction:           kvcache.EvictLRU,
		}
	})

	It("round-trips a single appended position", func() {
		m := kvcache.NewManager(cfg, nil)
		seq := m.AllocateSequence()

		keys := fillVec(128, 1.0)
		values := fillVec(128, 2.0)
		Expect(m.AppendKV(seq, keys, values)).To(Succeed())

		n, err := m.SeqLen(seq)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))

		kOut := make([]float32, 128)
		vOut := make([]float32, 128)
		Expect(m.ReadKV(seq, 0, kOut, vOut)).To(Succeed())
		for _, v := range kOut {
			Expect(v).To(BeNumerically("~", 1.0, 0.05))
		}
		for _, v := range vOut {
			Expect(v).To(BeNumerically("~", 2.0, 0.05))
		}
	})

	It("rejects reads past the appended length", func() {
		m := kvcache.NewManager(cfg, nil)
		seq := m.AllocateSequence()
		Expect(m.AppendKV(seq, fillVec(128, 1), fillVec(128, 1))).To(Succeed())

		out := make([]float32, 128)
		err := m.ReadKV(seq, 5, out, out)
		Expect(err).To(MatchError(domain.ErrPositionOutOfBounds))
	})

	It("fails append for an unknown sequence", func() {
		m := kvcache.NewManager(cfg, nil)
		err := m.AppendKV(9999, fillVec(128, 1), fillVec(128, 1))
		Expect(err).To(MatchError(domain.ErrSequenceNotFound))
	})

	It("evicts the least recently allocated sequence under page pressure", func() {
		small := cfg
		small.MaxPages = 2
		m := kvcache.NewManager(small, nil)

		seq1 := m.AllocateSequence()
		seq2 := m.AllocateSequence()

		keys := fillVec(128, 1)
		values := fillVec(128, 2)
		for i := 0; i < kvcache.PageTokens*4; i++ {
			_ = m.AppendKV(seq1, keys, values)
		}

		Expect(m.HasSequence(seq2)).To(BeTrue())
	})

	It("computes nonzero attention scores across positions", func() {
		m := kvcache.NewManager(cfg, nil)
		seq := m.AllocateSequence()

		for i := 0; i < 10; i++ {
			keys := make([]float32, 128)
			values := make([]float32, 128)
			for j := range keys {
				keys[j] = float32(i*128 + j)
				values[j] = float32(i*128 + j + 1)
			}
			Expect(m.AppendKV(seq, keys, values)).To(Succeed())
		}

		query := fillVec(128, 1.0)
		scores := make([]float32, 10)
		Expect(m.AttentionScores(seq, query, scores)).To(Succeed())

		nonZero := false
		for _, s := range scores {
			if s != 0 {
				nonZero = true
			}
		}
		Expect(nonZero).To(BeTrue())
	})

	It("keeps two sequences' data isolated at overlapping local positions", func() {
		noQuant := cfg
		noQuant.EnableQuantization = false
		m := kvcache.NewManager(noQuant, nil)
		seq1 := m.AllocateSequence()
		seq2 := m.AllocateSequence()

		Expect(m.AppendKV(seq1, fillVec(128, 1.0), fillVec(128, 10.0))).To(Succeed())
		Expect(m.AppendKV(seq2, fillVec(128, 2.0), fillVec(128, 20.0))).To(Succeed())

		k1 := make([]float32, 128)
		v1 := make([]float32, 128)
		Expect(m.ReadKV(seq1, 0, k1, v1)).To(Succeed())
		for _, v := range k1 {
			Expect(v).To(BeNumerically("~", 1.0, 0.05))
		}
		for _, v := range v1 {
			Expect(v).To(BeNumerically("~", 10.0, 0.05))
		}

		k2 := make([]float32, 128)
		v2 := make([]float32, 128)
		Expect(m.ReadKV(seq2, 0, k2, v2)).To(Succeed())
		for _, v := range k2 {
			Expect(v).To(BeNumerically("~", 2.0, 0.05))
		}
		for _, v := range v2 {
			Expect(v).To(BeNumerically("~", 20.0, 0.05))
		}
	})

	It("frees a sequence and its pages", func() {
		m := kvcache.NewManager(cfg, nil)
		seq := m.AllocateSequence()
		Expect(m.AppendKV(seq, fillVec(128, 1), fillVec(128, 1))).To(Succeed())
		Expect(m.FreeSequence(seq)).To(Succeed())
		Expect(m.HasSequence(seq)).To(BeFalse())
		Expect(m.FreeSequence(seq)).To(MatchError(domain.ErrSequenceNotFound))
	})

	It("tracks active sequence count", func() {
		m := kvcache.NewManager(cfg, nil)
		Expect(m.ActiveSequences()).To(Equal(0))
		m.AllocateSequence()
		m.AllocateSequence()
		Expect(m.ActiveSequences()).To(Equal(2))
	})
})
