package kvcache_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestKvCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "kvcache suite")
}
