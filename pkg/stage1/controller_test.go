package stage1_test

import (
	"testing"

	"github.com/balena-os/takeover/internal/constants"
	"github.com/balena-os/takeover/pkg/stage1"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

func TestStage1(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "stage1 suite")
}

var _ = Describe("Controller DAG shape", func() {
	It("chains the eight steps of the migration sequence in a straight line", func() {
		c := stage1.New(stage1.Options{}, zerolog.Nop())

		g, err := c.BuildGraph()
		Expect(err).NotTo(HaveOccurred())

		dag := g.Analyze()
		Expect(dag).To(HaveLen(8))
		Expect(dag[0][0].Name).To(Equal(constants.OpEarlyChecks))
		Expect(dag[1][0].Name).To(Equal(constants.OpAcquireImage))
		Expect(dag[2][0].Name).To(Equal(constants.OpBuildMigrateInfo))
		Expect(dag[3][0].Name).To(Equal(constants.OpStageWorkingSet))
		Expect(dag[4][0].Name).To(Equal(constants.OpConfirm))
		Expect(dag[5][0].Name).To(Equal(constants.OpWriteHandoff))
		Expect(dag[6][0].Name).To(Equal(constants.OpBindMountInit))
		Expect(dag[7][0].Name).To(Equal(constants.OpTelinit))
	})
})
