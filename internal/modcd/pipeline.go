package modcd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Stage names, as reported in StageError.
const (
	stageVerify      = "verify-prerequisites"
	stageWorkTree    = "create-working-tree"
	stageDecompress  = "decompress-source"
	stageMountSource = "mount-source"
	stageExtract     = "extract-layout"
	stageUnpack      = "unpack-filesystem"
	stageBefore      = "run-before-scripts"
	stageChroot      = "chroot"
	stageAfter       = "run-after-scripts"
	stageManifest    = "regenerate-manifest"
	stageCompress    = "compress-filesystem"
	stageMetadata    = "update-metadata"
	stageAssemble    = "assemble-image"
	stageDigest      = "digest-image"
	stagePublish     = "publish-image"
)

// Working tree layout, relative to its root.
const (
	mntDir       = "mnt"
	extractDir   = "extract-cd"
	editDir      = "edit"
	squashfsPath = "casper/filesystem.squashfs"
)

var (
	requiredTools        = []string{"mount", "umount", "rsync", "unsquashfs", "mksquashfs", "chroot", "du", "mkisofs"}
	prerequisitePackages = []string{"squashfs-tools", "genisoimage", "rsync"}
)

// Options describes one customization run.
type Options struct {
	Input         string // source image, optionally .xz/.gz/.zst compressed
	Output        string // image to create
	Scripts       string // directory holding B*/C*/A* scripts
	VolumeID      string
	InstallDeps   bool
	Digest        bool   // write <Output>.b3sum
	PublishPrefix string // key prefix used when a publisher is configured
}

// ResolveOptions makes every path absolute and checks that the inputs exist.
func ResolveOptions(o Options) (Options, error) {
	var err error
	if o.Input, err = resolveExisting(o.Input); err != nil {
		return o, fmt.Errorf("input image: %w", err)
	}
	if info, err := os.Stat(o.Input); err != nil || info.IsDir() {
		return o, fmt.Errorf("input image %s is not a file", o.Input)
	}

	if o.Scripts, err = resolveExisting(o.Scripts); err != nil {
		return o, fmt.Errorf("script directory: %w", err)
	}
	if info, err := os.Stat(o.Scripts); err != nil || !info.IsDir() {
		return o, fmt.Errorf("script directory %s is not a directory", o.Scripts)
	}

	if o.Output, err = filepath.Abs(o.Output); err != nil {
		return o, fmt.Errorf("output image: %w", err)
	}
	if info, err := os.Stat(filepath.Dir(o.Output)); err != nil || !info.IsDir() {
		return o, fmt.Errorf("output directory %s does not exist", filepath.Dir(o.Output))
	}
	return o, nil
}

func resolveExisting(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is empty")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

type workTree struct {
	root    string
	mnt     string
	extract string
	edit    string
}

func newWorkTree(root string) workTree {
	return workTree{
		root:    root,
		mnt:     filepath.Join(root, mntDir),
		extract: filepath.Join(root, extractDir),
		edit:    filepath.Join(root, editDir),
	}
}

func (w workTree) casper(name string) string {
	return filepath.Join(w.extract, "casper", name)
}

// Pipeline unpacks, customizes and repacks one live image. It changes the
// process root and the host mount table, so only one may run per process.
type Pipeline struct {
	ctx       context.Context
	opts      Options
	tmpDir    string
	exec      commandRunner // stage commands
	release   commandRunner // release actions, never cancelled
	scripts   phaseRunner
	root      rootSwitcher
	publisher imagePublisher
	lookPath  func(string) (string, error)
	now       func() time.Time
	log       logrus.FieldLogger

	work          workTree
	source        string
	chrootScripts string
	digestPath    string
}

func NewPipeline(ctx context.Context, opts Options, cfg *Config) *Pipeline {
	if opts.VolumeID == "" {
		opts.VolumeID = cfg.VolumeID()
	}
	rootExec := NewExecutor(ctx)
	scriptExec := NewExecutor(ctx)
	scriptExec.Interactive = true
	return &Pipeline{
		ctx:      ctx,
		opts:     opts,
		tmpDir:   cfg.TmpDir(),
		exec:     rootExec,
		release:  rootExec.Detached(),
		scripts:  NewScriptRunner(scriptExec, os.Stdout),
		root:     &Chroot{},
		lookPath: exec.LookPath,
		now:      time.Now,
		log:      log,
	}
}

type pipelineStage struct {
	name    string
	title   string
	enabled bool
	fn      func(*CleanupStack) error
}

// Run executes every stage in order. Whatever happens, all resources acquired
// along the way are released in reverse order before Run returns.
func (p *Pipeline) Run() (err error) {
	if err := p.stage(stageVerify, "Checking prerequisites", func() error { return p.verifyPrerequisites() }); err != nil {
		return err
	}

	stack := NewCleanupStack(p.log)
	defer func() {
		if uerr := stack.Unwind(); uerr != nil {
			err = errors.Join(err, uerr)
		}
		isCriticalAtomic.Store(0)
	}()

	stages := []pipelineStage{
		{stageWorkTree, "Create working tree", true, p.createWorkingTree},
		{stageDecompress, "Decompress source image", compressedImage(p.opts.Input), p.decompressSource},
		{stageMountSource, "Mount the source image", true, p.mountSource},
		{stageExtract, "Extract image contents into " + extractDir, true, p.extractLayout},
		{stageUnpack, "Extract the SquashFS filesystem", true, p.unpackFilesystem},
		{stageBefore, "Run before-chroot scripts", true, p.runBeforeScripts},
		{stageChroot, "Run chroot scripts", true, p.runChrootScripts},
		{stageAfter, "Run after-chroot scripts", true, p.runAfterScripts},
		{stageManifest, "Regenerate manifest", true, p.regenerateManifest},
		{stageCompress, "Compress filesystem", true, p.compressFilesystem},
		{stageMetadata, "Update image metadata", true, p.updateMetadata},
		{stageAssemble, "Create the image " + p.opts.Output, true, p.assembleImage},
		{stageDigest, "Compute BLAKE3 digest", p.opts.Digest, p.digestImage},
		{stagePublish, "Publish image", p.publisher != nil, p.publishImage},
	}
	for _, s := range stages {
		if !s.enabled {
			continue
		}
		if err := p.ctx.Err(); err != nil {
			return &StageError{Stage: s.name, Err: err}
		}
		if err := p.stage(s.name, s.title, func() error { return s.fn(stack) }); err != nil {
			return err
		}
	}

	colArrow.Print("-> ")
	colInfo.Printf("Image written to %s\n", p.opts.Output)
	return nil
}

func (p *Pipeline) stage(name, title string, fn func() error) error {
	step("%s", title)
	p.log.WithField("stage", name).Debug("stage started")
	if err := fn(); err != nil {
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

func (p *Pipeline) verifyPrerequisites() error {
	if p.opts.InstallDeps {
		args := append([]string{"install", "-y"}, prerequisitePackages...)
		if err := p.exec.Run(exec.Command("apt-get", args...)); err != nil {
			return err
		}
	}
	var missing []string
	for _, tool := range requiredTools {
		if _, err := p.lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools not found: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (p *Pipeline) createWorkingTree(stack *CleanupStack) error {
	dir, err := os.MkdirTemp(p.tmpDir, "modcd-")
	if err != nil {
		return &AcquisitionError{Resource: "working tree", Err: err}
	}
	stack.PushCritical("remove "+dir, func() error { return RemoveAll(p.release, dir) })
	p.work = newWorkTree(dir)
	p.source = p.opts.Input
	debugf("working tree %s", dir)
	return nil
}

func (p *Pipeline) decompressSource(*CleanupStack) error {
	dst := filepath.Join(p.work.root, "source.iso")
	if err := decompressImage(p.opts.Input, dst); err != nil {
		return err
	}
	p.source = dst
	return nil
}

func (p *Pipeline) mountSource(stack *CleanupStack) error {
	mnt := p.work.mnt
	if err := os.Mkdir(mnt, 0755); err != nil {
		return &AcquisitionError{Resource: mnt, Err: err}
	}
	stack.PushCritical("remove "+mnt, func() error { return RemoveAll(p.release, mnt) })

	if err := stack.Acquire("mount "+p.source,
		func() error { return loopMount(p.exec, p.source, mnt) },
		func() error { return unmount(p.release, mnt) },
	); err != nil {
		return err
	}
	isCriticalAtomic.Store(1)
	return nil
}

func (p *Pipeline) extractLayout(stack *CleanupStack) error {
	extract := p.work.extract
	if err := os.Mkdir(extract, 0755); err != nil {
		return &AcquisitionError{Resource: extract, Err: err}
	}
	stack.PushCritical("remove "+extract, func() error { return RemoveAll(p.release, extract) })

	return p.exec.Run(exec.Command("rsync", "--exclude=/"+squashfsPath, "-a", p.work.mnt+"/", extract))
}

func (p *Pipeline) unpackFilesystem(*CleanupStack) error {
	return p.exec.Run(exec.Command("unsquashfs", "-d", p.work.edit, filepath.Join(p.work.mnt, squashfsPath)))
}

func (p *Pipeline) runBeforeScripts(*CleanupStack) error {
	return p.scripts.RunPhase(p.opts.Scripts, PhaseBefore)
}

func (p *Pipeline) runAfterScripts(*CleanupStack) error {
	return p.scripts.RunPhase(p.opts.Scripts, PhaseAfter)
}

// runChrootScripts prepares the unpacked system, enters it and runs the
// chroot phase. Everything it sets up is released before it returns.
func (p *Pipeline) runChrootScripts(*CleanupStack) (err error) {
	stack := NewCleanupStack(p.log)
	defer func() {
		if uerr := stack.Unwind(); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()

	edit := p.work.edit
	for _, dir := range []string{"dev", "run"} {
		target := filepath.Join(edit, dir)
		step("Mount /%s", dir)
		if err := stack.Acquire("bind /"+dir,
			func() error { return bindMount(p.exec, "/"+dir+"/", target) },
			func() error { return unmount(p.release, target) },
		); err != nil {
			return err
		}
	}

	step("Mount script directory underneath chroot root dir")
	link, err := os.MkdirTemp(edit, "tmp")
	if err != nil {
		return &AcquisitionError{Resource: "script mount point", Err: err}
	}
	stack.PushCritical("remove "+link, func() error { return RemoveAll(p.release, link) })
	if err := stack.Acquire("bind "+p.opts.Scripts,
		func() error { return bindMount(p.exec, p.opts.Scripts+"/", link) },
		func() error { return unmount(p.release, link) },
	); err != nil {
		return err
	}
	rel, err := filepath.Rel(edit, link)
	if err != nil {
		return err
	}
	p.chrootScripts = "/" + rel

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	stack.PushCritical("restore working directory", func() error { return os.Chdir(cwd) })

	step("chroot to %s", edit)
	if err := stack.AcquireCritical("chroot "+edit,
		func() error { return p.root.Enter(edit) },
		p.root.Exit,
	); err != nil {
		return err
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}

	for _, m := range []struct{ fsType, target string }{
		{"proc", "/proc"},
		{"sysfs", "/sys"},
		{"devpts", "/dev/pts"},
	} {
		step("Mount %s", m.target)
		if err := stack.Acquire("mount "+m.target,
			func() error { return pseudoMount(p.exec, m.fsType, m.target) },
			func() error { return unmount(p.release, m.target) },
		); err != nil {
			return err
		}
	}

	step("Run user scripts from %s", p.chrootScripts)
	return p.scripts.RunPhase(p.chrootScripts, PhaseChroot)
}

func (p *Pipeline) regenerateManifest(*CleanupStack) error {
	pkgs, err := queryPackages(p.exec, p.work.edit)
	if err != nil {
		return err
	}
	debugf("%d packages installed in %s", len(pkgs), p.work.edit)
	if err := writeManifest(p.work.casper("filesystem.manifest"), pkgs, nil); err != nil {
		return err
	}
	return writeManifest(p.work.casper("filesystem.manifest-desktop"), pkgs, desktopManifestExcludes)
}

func (p *Pipeline) compressFilesystem(*CleanupStack) error {
	squashfs := filepath.Join(p.work.extract, squashfsPath)
	if err := p.exec.Run(exec.Command("rm", "-f", squashfs)); err != nil {
		return err
	}
	// Relative paths keep the -e exclusion anchored at the edit tree.
	cmd := exec.Command("mksquashfs", editDir, filepath.Join(extractDir, squashfsPath),
		"-comp", "xz", "-e", filepath.Join(editDir, "boot"))
	cmd.Dir = p.work.root
	return p.exec.Run(cmd)
}

func (p *Pipeline) updateMetadata(*CleanupStack) error {
	size, err := diskUsage(p.exec, p.work.edit)
	if err != nil {
		return err
	}
	if err := writeFilesystemSize(p.work.casper("filesystem.size"), size); err != nil {
		return err
	}

	today := p.now().Format("2006-01-02")
	found, err := stampDiskDefines(filepath.Join(p.work.extract, "README.diskdefines"), today)
	if err != nil {
		return err
	}
	if !found {
		p.log.Warn("README.diskdefines not found, build date not recorded")
	}

	sumFile := filepath.Join(p.work.extract, checksumFileName)
	if err := os.Remove(sumFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	entries, err := generateMD5Sums(p.work.extract, checksumExcludes)
	if err != nil {
		return err
	}
	return writeChecksums(sumFile, entries)
}

func (p *Pipeline) assembleImage(*CleanupStack) error {
	cmd := exec.Command("mkisofs",
		"-D", "-r", "-V", p.opts.VolumeID,
		"-cache-inodes", "-J", "-l",
		"-b", "isolinux/isolinux.bin", "-c", "isolinux/boot.cat",
		"-no-emul-boot", "-boot-load-size", "4", "-boot-info-table",
		"-o", p.opts.Output, extractDir)
	cmd.Dir = p.work.root
	return p.exec.Run(cmd)
}

func (p *Pipeline) digestImage(*CleanupStack) error {
	sum, err := hashFileBlake3(p.exec, p.lookPath, p.opts.Output)
	if err != nil {
		return err
	}
	path, err := writeDigestFile(p.opts.Output, sum)
	if err != nil {
		return err
	}
	p.digestPath = path
	colArrow.Print("-> ")
	colInfo.Printf("BLAKE3 %s\n", sum)
	return nil
}

func (p *Pipeline) publishImage(*CleanupStack) error {
	files := []string{p.opts.Output}
	if p.digestPath != "" {
		files = append(files, p.digestPath)
	}
	return p.publisher.Publish(p.ctx, p.opts.PublishPrefix, files...)
}
