package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/balena-os/takeover/internal/logging"
	"github.com/balena-os/takeover/internal/version"
	"github.com/balena-os/takeover/pkg/stage1"
	"github.com/balena-os/takeover/pkg/stage2"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "takeover"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "balena"}}
	app.Copyright = "balena"
	app.Usage = "pivot a running Linux system onto balenaOS"

	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "configuration blob for the new OS"},
		&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Usage: "path to a local disk image"},
		&cli.StringFlag{Name: "version", Aliases: []string{"v"}, Usage: "balenaOS version or semver range to download"},
		&cli.BoolFlag{Name: "download-only", Aliases: []string{"d"}, Usage: "download the image and exit, skipping device/migration checks"},
		&cli.StringFlag{Name: "flash-dev", Aliases: []string{"f"}, Usage: "override the detected flash device"},
		&cli.StringFlag{Name: "change-dt-to", Usage: "patch the device type slug in the API after migration"},
		&cli.BoolFlag{Name: "pretend", Usage: "run every step except the final image write"},
		&cli.BoolFlag{Name: "no-ack", Usage: "skip the interactive confirmation prompt"},
		&cli.BoolFlag{Name: "stage2", Usage: "internal: runs the Stage-2 init shim (also entered automatically when running as PID 1)", Hidden: true},
		&cli.BoolFlag{Name: stage2.WorkerSubprocessFlag, Usage: "internal: marks this invocation as the re-exec'd Stage-2 worker", Hidden: true},
		&cli.StringFlag{Name: "log-level", Value: "info", Usage: "error|warn|info|debug|trace"},
		&cli.StringFlag{Name: "s2-log-level", Value: "info", Usage: "error|warn|info|debug|trace"},
		&cli.StringFlag{Name: "log-to", Usage: "stage-2 external log partition"},
		&cli.StringFlag{Name: "log-file", Usage: "stage-1 log file path"},
		&cli.BoolFlag{Name: "fallback-log", Usage: "buffer stage-2 logs in RAM and flush to the new data partition after flash"},
		&cli.BoolFlag{Name: "no-os-check", Usage: "skip the running-OS recognition check"},
		&cli.BoolFlag{Name: "no-dt-check", Usage: "skip the hardware compatibility check"},
		&cli.BoolFlag{Name: "no-api-check", Usage: "skip the cloud API reachability check"},
		&cli.BoolFlag{Name: "no-vpn-check", Usage: "skip the VPN reachability check"},
		&cli.BoolFlag{Name: "no-efi-setup", Usage: "skip UEFI boot entry registration"},
		&cli.BoolFlag{Name: "no-nwmgr-check", Usage: "skip requiring at least one network configuration"},
		&cli.BoolFlag{Name: "no-wifis", Usage: "ignore --wifi sources"},
		&cli.BoolFlag{Name: "no-keep-name", Usage: "do not propagate the current hostname"},
		&cli.BoolFlag{Name: "no-cleanup", Usage: "leave staging artifacts in place after a failed Stage 1"},
		&cli.StringSliceFlag{Name: "wifi", Usage: "wifi SSID to carry over (repeatable)"},
		&cli.StringSliceFlag{Name: "nwmgr-cfg", Usage: "NetworkManager connection file to carry over verbatim (repeatable)"},
		&cli.StringFlag{Name: "backup-cfg", Usage: "YAML manifest of volumes to back up"},
		&cli.DurationFlag{Name: "check-timeout", Value: 20 * time.Second, Usage: "deadline for API/VPN reachability checks"},
		&cli.StringFlag{Name: "device-type", Usage: "the running device's type slug"},
		&cli.StringFlag{Name: "running-os", Usage: "identifier of the OS currently running, for the compatibility check"},
		&cli.StringFlag{Name: "api-base-url", Usage: "base URL of the cloud API"},
		&cli.StringFlag{Name: "api-token", Usage: "bearer token for the cloud API, used for change-dt-to PATCH calls"},
		&cli.StringFlag{Name: "vpn-host", Usage: "VPN endpoint host for the reachability check"},
		&cli.IntFlag{Name: "vpn-port", Value: 443, Usage: "VPN endpoint port for the reachability check"},
	}

	// After telinit u, the host's init re-execs /sbin/init (now this
	// binary) as PID 1 with its own arguments rather than --stage2.
	if os.Getpid() == 1 {
		if err := runStage2(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	app.Action = run

	app.Commands = []*cli.Command{
		{
			Name:  "version",
			Usage: "print version information",
			Action: func(c *cli.Context) error {
				v := version.Get()
				fmt.Printf("takeover %s (commit %s, built with %s)\n", v.Version, v.GitCommit, v.GoVersion)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logging.SetLevel(c.String("log-level"))
	logging.SetStage2Level(c.String("s2-log-level"))
	if c.String("log-file") != "" {
		f, err := os.OpenFile(c.String("log-file"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		logging.RedirectTo(f)
	}

	if c.Bool(stage2.WorkerSubprocessFlag) {
		os.Exit(stage2.RunWorkerSubprocess())
	}
	if c.Bool("stage2") {
		return runStage2()
	}
	return runStage1(c)
}

func runStage1(c *cli.Context) error {
	opts := stage1.Options{
		ConfigBlobPath: c.String("config"),
		ImagePath:      c.String("image"),
		Version:        c.String("version"),
		DownloadOnly:   c.Bool("download-only"),
		FlashDev:       c.String("flash-dev"),
		ChangeDTTo:     c.String("change-dt-to"),
		Pretend:        c.Bool("pretend"),
		NoAck:          c.Bool("no-ack"),
		LogDev:         c.String("log-to"),
		FallbackLog:    c.Bool("fallback-log"),
		NoOSCheck:      c.Bool("no-os-check"),
		NoDTCheck:      c.Bool("no-dt-check"),
		NoAPICheck:     c.Bool("no-api-check"),
		NoVPNCheck:     c.Bool("no-vpn-check"),
		NoEFISetup:     c.Bool("no-efi-setup"),
		NoNwmgrCheck:   c.Bool("no-nwmgr-check"),
		NoWifis:        c.Bool("no-wifis"),
		NoKeepName:     c.Bool("no-keep-name"),
		NoCleanup:      c.Bool("no-cleanup"),
		Wifis:          c.StringSlice("wifi"),
		NwmgrCfgFiles:  c.StringSlice("nwmgr-cfg"),
		BackupCfgPath:  c.String("backup-cfg"),
		CheckTimeout:   c.Duration("check-timeout"),
		Stage1LogLevel: c.String("log-level"),
		Stage2LogLevel: c.String("s2-log-level"),
		DeviceType:     c.String("device-type"),
		RunningOS:      c.String("running-os"),
		APIBaseURL:     c.String("api-base-url"),
		APIToken:       c.String("api-token"),
		VPNHost:        c.String("vpn-host"),
		VPNPort:        c.Int("vpn-port"),
	}

	if opts.ConfigBlobPath == "" && !opts.DownloadOnly {
		return cli.Exit("missing required -c/--config", 1)
	}

	v := version.Get()
	logging.Log.Info().Str("commit", v.GitCommit).Str("compiled_with", v.GoVersion).Str("version", v.Version).Msg("takeover")

	ctl := stage1.New(opts, logging.Log)
	return ctl.Run(context.Background())
}

func runStage2() error {
	shim := stage2.NewShim(logging.Stage2Log)
	return shim.Run()
}
