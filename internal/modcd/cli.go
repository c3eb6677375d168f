package modcd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

type cliFlags struct {
	opts       Options
	configPath string
	noDigest   bool
	debug      bool
}

func newRootCommand() *cobra.Command {
	f := &cliFlags{}
	cmd := &cobra.Command{
		Use:   "modcd -i <source.iso> -o <output.iso> -s <script-dir>",
		Short: "Modify a live CD image with a series of scripts",
		Long: `modcd unpacks a live CD image, runs the executable scripts found in the
script directory and repacks the result into a new bootable image.

Scripts named B<digits>* run before entering the unpacked system, C<digits>*
run inside it (chroot) and A<digits>* run after leaving it. Within a phase
scripts run in plain string order of their path, so zero-pad the numbers.`,
		Version:       fmt.Sprintf("%s (built %s)", version, buildDate),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModify(cmd.Context(), cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.opts.Input, "input", "i", "", "Path to source ISO")
	flags.StringVarP(&f.opts.Output, "output", "o", "", "Output ISO file name")
	flags.StringVarP(&f.opts.Scripts, "script", "s", "", "Path to script directory")
	flags.StringVar(&f.opts.VolumeID, "volume-id", "", "ISO volume ID (default from MODCD_VOLUME_ID)")
	flags.BoolVar(&f.opts.InstallDeps, "install-deps", false, "Install squashfs-tools, genisoimage and rsync with apt-get first")
	flags.BoolVar(&f.noDigest, "no-digest", false, "Do not write a BLAKE3 digest next to the output image")
	flags.StringVar(&f.opts.PublishPrefix, "publish", "", "Upload the image to the configured S3 bucket under this key prefix")
	flags.StringVar(&f.configPath, "config", ConfigFile, "Configuration file")
	flags.BoolVar(&f.debug, "debug", false, "Print debug output")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("script")

	return cmd
}

func runModify(ctx context.Context, cmd *cobra.Command, f *cliFlags) error {
	if err := requireRoot(); err != nil {
		return err
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", f.configPath, err)
	}
	setupOutput(f.debug || cfg.Debug())

	opts, err := ResolveOptions(f.opts)
	if err != nil {
		return err
	}
	opts.Digest = !f.noDigest

	p := NewPipeline(ctx, opts, cfg)
	if cmd.Flags().Changed("publish") {
		pub, err := NewS3Publisher(ctx, cfg)
		if err != nil {
			return err
		}
		p.publisher = pub
	}
	return p.Run()
}

// exitProcess is swapped in tests.
var exitProcess = os.Exit

// forceExitWindow is how close together interrupts must be to abandon
// held mounts.
const forceExitWindow = 5 * time.Second

// handleSignals cancels the run on the first SIGINT/SIGTERM so the pipeline
// unwinds. A later signal forces an exit. While host mounts are held it takes
// two more within forceExitWindow, and the mounts are left behind.
// The returned func stops handling.
func handleSignals(cancel context.CancelFunc) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		cancelled := false
		var lastForce time.Time
		for {
			select {
			case sig := <-sigs:
				if !cancelled {
					cancelled = true
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling and releasing resources\n", sig)
					cancel()
					continue
				}
				if isCriticalAtomic.Load() == 0 {
					colArrow.Print("\n-> ")
					colError.Println("Second interrupt received. Forcing immediate exit.")
					exitProcess(130)
					continue
				}
				if !lastForce.IsZero() && time.Since(lastForce) < forceExitWindow {
					colArrow.Print("\n-> ")
					colError.Println("Forced immediate exit. Mounts under the working tree were left in place.")
					exitProcess(130)
					continue
				}
				lastForce = time.Now()
				colArrow.Print("\n-> ")
				colWarn.Println("Releasing mounts. Press Ctrl+C AGAIN within 5 seconds to exit anyway and leave them mounted.")
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// Main is the CLI entrypoint for cmd/modcd. It returns the process exit code.
func Main() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := handleSignals(cancel)
	defer stop()
	setupOutput(false)

	err := newRootCommand().ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var pe *PrivilegeError
	if errors.As(err, &pe) {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Fprintf(os.Stderr, "%s %v\n", colError.Sprint("Error:"), err)
	}
	return ExitCode(err)
}
