package config_test

import (
	"os"
	"path/filepath"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86core/config"
	"github.com/sarchlab/x86core/emu"
)

var _ = Describe("Config", func() {
	Describe("Default", func() {
		It("should be valid", func() {
			Expect(config.Default().Validate()).To(Succeed())
		})

		It("should start in real mode at the boot sector", func() {
			c := config.Default()
			mode, err := c.CPUMode()
			Expect(err).NotTo(HaveOccurred())
			Expect(mode).To(Equal(emu.ModeReal))
			Expect(c.ResetRIP).To(Equal(uint64(0x7c00)))
		})
	})

	Describe("Validation", func() {
		var c *config.Config

		BeforeEach(func() {
			c = config.Default()
		})

		It("should reject zero RAM", func() {
			c.RAMSize = 0
			Expect(c.Validate()).To(HaveOccurred())
		})

		It("should reject RAM that is not page aligned", func() {
			c.RAMSize = 4097
			Expect(c.Validate()).To(HaveOccurred())
		})

		It("should reject an unknown mode", func() {
			c.Mode = "smm"
			Expect(c.Validate()).To(MatchError(ContainSubstring("smm")))
		})

		It("should reject a real-mode entry outside the reset code segment", func() {
			c.ResetRIP = 0x10000
			Expect(c.Validate()).To(HaveOccurred())

			c.ResetCS = 0x1000
			Expect(c.Validate()).To(Succeed())

			c.ResetRIP = 0x7c00
			Expect(c.Validate()).To(HaveOccurred())

			c.Mode = "protected"
			Expect(c.Validate()).To(Succeed())
		})

		It("should reject a zero batch size", func() {
			c.BatchSize = 0
			Expect(c.Validate()).To(HaveOccurred())
		})

		It("should reject a zero hot threshold", func() {
			c.HotThreshold = 0
			Expect(c.Validate()).To(HaveOccurred())
		})

		It("should reject an empty block cache", func() {
			c.BlockCacheCapacity = 0
			Expect(c.Validate()).To(HaveOccurred())
		})

		It("should reject out-of-range physical address widths", func() {
			c.MaxPhysBits = 60
			Expect(c.Validate()).To(HaveOccurred())
		})

		It("should reject a TLB set count that is not a power of two", func() {
			c.TLBSets = 48
			Expect(c.Validate()).To(HaveOccurred())
		})

		It("should reject zero ticks per instruction", func() {
			c.TicksPerInstruction = 0
			Expect(c.Validate()).To(HaveOccurred())
		})
	})

	Describe("Clone", func() {
		It("should create independent copy", func() {
			original := config.Default()
			clone := original.Clone()

			clone.HotThreshold = 100

			Expect(original.HotThreshold).To(Equal(uint64(10)))
			Expect(clone.HotThreshold).To(Equal(uint64(100)))
		})
	})

	Describe("File Operations", func() {
		var tempDir string

		BeforeEach(func() {
			var err error
			tempDir, err = os.MkdirTemp("", "config-test")
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			_ = os.RemoveAll(tempDir)
		})

		It("should save and load JSON", func() {
			original := config.Default()
			original.Mode = "long"
			original.ProfilePath = "/tmp/profile"

			path := filepath.Join(tempDir, "machine.json")
			Expect(original.Save(path)).To(Succeed())

			loaded, err := config.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmp.Diff(original, loaded)).To(BeEmpty())
		})

		It("should save and load YAML", func() {
			original := config.Default()
			original.TLBWays = 8

			path := filepath.Join(tempDir, "machine.yaml")
			Expect(original.Save(path)).To(Succeed())

			loaded, err := config.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmp.Diff(original, loaded)).To(BeEmpty())
		})

		It("should fill missing YAML keys from the defaults", func() {
			path := filepath.Join(tempDir, "partial.yml")
			yml := "mode: protected\nreset_rip: 1048576\nhot_threshold: 50\n"
			Expect(os.WriteFile(path, []byte(yml), 0644)).To(Succeed())

			loaded, err := config.Load(path)

			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Mode).To(Equal("protected"))
			Expect(loaded.ResetRIP).To(Equal(uint64(0x100000)))
			Expect(loaded.HotThreshold).To(Equal(uint64(50)))
			Expect(loaded.BatchSize).To(Equal(config.Default().BatchSize))
			Expect(loaded.Validate()).To(Succeed())
		})

		It("should return error for non-existent file", func() {
			_, err := config.Load("/nonexistent/path/machine.json")
			Expect(err).To(HaveOccurred())
		})

		It("should return error for invalid JSON", func() {
			path := filepath.Join(tempDir, "invalid.json")
			err := os.WriteFile(path, []byte("not valid json"), 0644)
			Expect(err).NotTo(HaveOccurred())

			_, err = config.Load(path)
			Expect(err).To(HaveOccurred())
		})
	})
})
