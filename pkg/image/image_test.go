package image_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/balena-os/takeover/pkg/image"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

func TestImage(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "image suite")
}

var _ = Describe("Source", func() {
	It("transparently decompresses a gzip image", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "disk.img.gz")

		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, err := gz.Write([]byte("raw disk bytes"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gz.Close()).To(Succeed())
		Expect(os.WriteFile(path, buf.Bytes(), 0o644)).To(Succeed())

		src, err := image.Source(path)
		Expect(err).NotTo(HaveOccurred())
		defer src.Close()

		data, err := io.ReadAll(src)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("raw disk bytes"))
	})

	It("passes through an uncompressed raw image unchanged", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "disk.img")
		Expect(os.WriteFile(path, []byte("already raw"), 0o644)).To(Succeed())

		src, err := image.Source(path)
		Expect(err).NotTo(HaveOccurred())
		defer src.Close()

		data, err := io.ReadAll(src)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("already raw"))
	})
})

var _ = Describe("Flash with pretend", func() {
	It("does not touch the target device", func() {
		log := zerolog.Nop()
		err := image.Flash(log, bytes.NewReader([]byte("data")), "/dev/does-not-exist", true)
		Expect(err).NotTo(HaveOccurred())
	})
})
