package prob_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/streamcast/mdriver/cmn/prob"
)

func TestProb(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "prob suite")
}

var _ = Describe("Filter", func() {
	It("reports added keys as present", func() {
		f := prob.NewDefault(1000, 0.01)
		for k := uint64(0); k < 500; k++ {
			f.Add(k)
		}
		for k := uint64(0); k < 500; k++ {
			Expect(f.Lookup(k)).To(BeTrue())
		}
	})

	It("keeps the false-positive rate low for unseen keys", func() {
		f := prob.NewDefault(1000, 0.01)
		for k := uint64(0); k < 1000; k++ {
			f.Add(k * 2) // only even keys added
		}
		fp := 0
		const probes = 2000
		for k := uint64(1); k < probes*2; k += 2 { // probe odd keys, never added
			if f.Lookup(k) {
				fp++
			}
		}
		Expect(float64(fp) / float64(probes)).To(BeNumerically("<", 0.05))
	})

	It("forgets everything after Reset", func() {
		f := prob.NewDefault(100, 0.01)
		f.Add(42)
		Expect(f.Lookup(42)).To(BeTrue())
		f.Reset()
		Expect(f.Lookup(42)).To(BeFalse())
	})
})
