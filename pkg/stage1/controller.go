// Package stage1 is the Stage-1 controller of §4.7: it orchestrates the
// checks, acquisition, staging, handoff, and init-swap sequence as a
// herd DAG, mirroring the teacher's own boot-sequence orchestration.
package stage1

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/balena-os/takeover/internal/constants"
	"github.com/balena-os/takeover/pkg/blockdev"
	"github.com/balena-os/takeover/pkg/collab"
	"github.com/balena-os/takeover/pkg/migrate"
	"github.com/balena-os/takeover/pkg/stager"
	"github.com/rs/zerolog"
	"github.com/spectrocloud-labs/herd"
)

// Options bundles the CLI-surface inputs that drive the controller, a
// named-struct counterpart to the §6 CLI flags.
type Options struct {
	ConfigBlobPath string
	ImagePath      string
	Version        string
	DownloadOnly   bool
	FlashDev       string
	ChangeDTTo     string
	Pretend        bool
	NoAck          bool
	LogDev         string
	FallbackLog    bool
	NoOSCheck      bool
	NoDTCheck      bool
	NoAPICheck     bool
	NoVPNCheck     bool
	NoEFISetup     bool
	NoNwmgrCheck   bool
	NoWifis        bool
	NoKeepName     bool
	NoCleanup      bool
	Wifis          []string
	NwmgrCfgFiles  []string
	BackupCfgPath  string
	CheckTimeout   time.Duration
	Stage1LogLevel string
	Stage2LogLevel string
	DeviceType     string
	RunningOS      string
	APIBaseURL     string
	APIToken       string
	VPNHost        string
	VPNPort        int
}

// Controller runs the Stage-1 DAG of §4.7.
type Controller struct {
	opts   Options
	log    zerolog.Logger
	api    collab.APIClient
	compat collab.CompatibilityMatrix
	nwmgr  collab.NetworkConfigTranslator

	info        migrate.Info
	disks       []blockdev.Disk
	stagePlan   *stager.Plan
	bindMounted bool
}

// stagingRoot is the tmpfs root this run stages into; a method rather
// than a bare constant so a future --staging-root override has
// somewhere to live without touching every call site.
func (o Options) stagingRoot() string {
	return constants.StagingRoot
}

func New(opts Options, log zerolog.Logger) *Controller {
	return &Controller{
		opts:   opts,
		log:    log,
		api:    collab.NewHTTPAPIClient(opts.APIBaseURL),
		compat: collab.NewStaticCompatibilityMatrix(),
		nwmgr:  collab.DefaultNetworkConfigTranslator{},
	}
}

// BuildGraph registers the eight steps of §4.7 onto a fresh herd DAG
// without running them, split out from Run so the sequencing itself
// can be asserted on without exercising any real syscalls.
func (c *Controller) BuildGraph() (*herd.Graph, error) {
	g := herd.DAG()

	if err := g.Add(constants.OpEarlyChecks, herd.WithCallback(c.earlyChecks)); err != nil {
		return nil, err
	}
	if err := g.Add(constants.OpAcquireImage, herd.WithDeps(constants.OpEarlyChecks), herd.WithCallback(c.acquireImage)); err != nil {
		return nil, err
	}
	if err := g.Add(constants.OpBuildMigrateInfo, herd.WithDeps(constants.OpAcquireImage), herd.WithCallback(c.buildMigrateInfo)); err != nil {
		return nil, err
	}
	if err := g.Add(constants.OpStageWorkingSet, herd.WithDeps(constants.OpBuildMigrateInfo), herd.WithCallback(c.stageWorkingSet)); err != nil {
		return nil, err
	}
	if err := g.Add(constants.OpConfirm, herd.WithDeps(constants.OpStageWorkingSet), herd.WithCallback(c.confirm)); err != nil {
		return nil, err
	}
	if err := g.Add(constants.OpWriteHandoff, herd.WithDeps(constants.OpConfirm), herd.WithCallback(c.writeHandoff)); err != nil {
		return nil, err
	}
	if err := g.Add(constants.OpBindMountInit, herd.WithDeps(constants.OpWriteHandoff), herd.WithCallback(c.bindMountInit)); err != nil {
		return nil, err
	}
	if err := g.Add(constants.OpTelinit, herd.WithDeps(constants.OpBindMountInit), herd.WithCallback(c.telinit)); err != nil {
		return nil, err
	}
	return g, nil
}

// Run builds and executes the Stage-1 DAG, returning once telinit u has
// been invoked (or after a clean abort before the bind-mount).
func (c *Controller) Run(ctx context.Context) error {
	g, err := c.BuildGraph()
	if err != nil {
		return err
	}

	err = g.Run(ctx)
	c.log.Info().Msg(c.writeDAG(g))
	if err != nil {
		c.unwindIfBeforeBindMount(err)
	}
	return err
}

func (c *Controller) writeDAG(g *herd.Graph) string {
	out := ""
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t)\n", op.Name, op.Background, op.WeakDeps)
			}
		}
	}
	return out
}

// unwindIfBeforeBindMount removes whatever staging artifacts step
// bind-mount-init had not yet replaced when the DAG failed, since
// §4.7 treats any failure before that step as recoverable: the host's
// real init is still in place and nothing has been committed.
func (c *Controller) unwindIfBeforeBindMount(err error) {
	if c.bindMounted {
		c.log.Error().Err(err).Msg("failure at or after bind-mount-init is unrecoverable; leaving staging in place for inspection")
		return
	}
	if c.opts.NoCleanup {
		c.log.Warn().Err(err).Msg("stage-1 aborted before bind-mount-init; leaving staging root in place (--no-cleanup)")
		return
	}
	c.log.Warn().Err(err).Msg("stage-1 aborted before bind-mount-init; cleaning up staging root")
	if rmErr := os.RemoveAll(c.opts.stagingRoot()); rmErr != nil {
		c.log.Error().Err(rmErr).Msg("cleaning up staging root after abort")
	}
}
