package modcd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// recorder collects, in order, everything the fakes were asked to do.
type recorder struct {
	events   []string
	payload  []string          // files seen by mksquashfs, relative to the edit root
	snapshot map[string]string // extract-cd contents seen by mkisofs
	mounted  []byte            // contents of the image handed to the loop mount
}

func (r *recorder) add(format string, a ...any) {
	r.events = append(r.events, fmt.Sprintf(format, a...))
}

func (r *recorder) index(prefix string) int {
	for i, e := range r.events {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

func (r *recorder) has(prefix string) bool {
	return r.index(prefix) >= 0
}

// fakeRunner records each command line and simulates the external tools.
type fakeRunner struct {
	rec      *recorder
	fail     map[string]error // command-line prefix -> error
	handlers map[string]func(cmd *exec.Cmd) error
}

func newFakeRunner(rec *recorder) *fakeRunner {
	return &fakeRunner{rec: rec, fail: map[string]error{}, handlers: map[string]func(*exec.Cmd) error{}}
}

func (f *fakeRunner) Run(cmd *exec.Cmd) error {
	line := strings.Join(cmd.Args, " ")
	f.rec.add("%s", line)
	for prefix, err := range f.fail {
		if strings.HasPrefix(line, prefix) {
			return err
		}
	}
	if h, ok := f.handlers[cmd.Args[0]]; ok {
		return h(cmd)
	}
	return nil
}

type fakeRoot struct {
	rec      *recorder
	enterErr error
	exitErr  error
}

func (f *fakeRoot) Enter(newRoot string) error {
	if f.enterErr != nil {
		return f.enterErr
	}
	f.rec.add("enter %s", newRoot)
	return nil
}

func (f *fakeRoot) Exit() error {
	f.rec.add("exit")
	return f.exitErr
}

type fakePhases struct {
	rec   *recorder
	hooks map[Phase]func(dir string) error
}

func (f *fakePhases) RunPhase(dir string, phase Phase) error {
	f.rec.add("phase %s %s", phase, dir)
	if h, ok := f.hooks[phase]; ok {
		return h(dir)
	}
	return nil
}

type fakePublisher struct {
	prefix string
	files  []string
}

func (f *fakePublisher) Publish(_ context.Context, prefix string, files ...string) error {
	f.prefix = prefix
	f.files = append(f.files, files...)
	return nil
}

const fakeDpkgOutput = "bash 5.2-1\ncasper 1.470\nlibc6 2.39-0ubuntu8\nubiquity 24.04.1\nubiquity-casper 1.470\n"

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// installToolFakes makes the fake runner behave like the real tools closely
// enough for the pipeline to produce an image.
func installToolFakes(t *testing.T, run *fakeRunner) {
	rec := run.rec
	run.handlers["mount"] = func(cmd *exec.Cmd) error {
		if len(cmd.Args) > 2 && cmd.Args[1] == "-o" {
			data, err := os.ReadFile(cmd.Args[5])
			if err != nil {
				return err
			}
			rec.mounted = data
		}
		return nil
	}
	run.handlers["rsync"] = func(cmd *exec.Cmd) error {
		dst := cmd.Args[len(cmd.Args)-1]
		writeTestFile(t, filepath.Join(dst, "isolinux", "isolinux.bin"), "loader")
		writeTestFile(t, filepath.Join(dst, "isolinux", "boot.cat"), "catalog")
		writeTestFile(t, filepath.Join(dst, "README.diskdefines"), "#define DISKNAME  Ubuntu 24.04 LTS\n#define TYPE  binary\n")
		writeTestFile(t, filepath.Join(dst, "casper", "filesystem.manifest"), "stale\n")
		writeTestFile(t, filepath.Join(dst, checksumFileName), "stale\n")
		return nil
	}
	run.handlers["unsquashfs"] = func(cmd *exec.Cmd) error {
		edit := argAfter(cmd.Args, "-d")
		for _, d := range []string{"dev", "run", "proc", "sys", "boot"} {
			require.NoError(t, os.MkdirAll(filepath.Join(edit, d), 0755))
		}
		writeTestFile(t, filepath.Join(edit, "etc", "hostname"), "ubuntu\n")
		writeTestFile(t, filepath.Join(edit, "boot", "vmlinuz"), "kernel")
		return nil
	}
	run.handlers["chroot"] = func(cmd *exec.Cmd) error {
		_, err := io.WriteString(cmd.Stdout, fakeDpkgOutput)
		return err
	}
	run.handlers["du"] = func(cmd *exec.Cmd) error {
		_, err := fmt.Fprintf(cmd.Stdout, "8192\t%s\n", cmd.Args[len(cmd.Args)-1])
		return err
	}
	run.handlers["mksquashfs"] = func(cmd *exec.Cmd) error {
		edit := filepath.Join(cmd.Dir, cmd.Args[1])
		exclude := filepath.Join(cmd.Dir, argAfter(cmd.Args, "-e"))
		var files []string
		err := filepath.WalkDir(edit, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == exclude {
				return filepath.SkipDir
			}
			if d.Type().IsRegular() {
				rel, _ := filepath.Rel(edit, path)
				files = append(files, rel)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sort.Strings(files)
		rec.payload = files
		writeTestFile(t, filepath.Join(cmd.Dir, cmd.Args[2]), strings.Join(files, "\n"))
		return nil
	}
	run.handlers["mkisofs"] = func(cmd *exec.Cmd) error {
		extract := filepath.Join(cmd.Dir, cmd.Args[len(cmd.Args)-1])
		rec.snapshot = map[string]string{}
		err := filepath.WalkDir(extract, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(extract, path)
			rec.snapshot[rel] = string(data)
			return nil
		})
		if err != nil {
			return err
		}
		return os.WriteFile(argAfter(cmd.Args, "-o"), []byte("ISO9660"), 0644)
	}
}

type testEnv struct {
	p       *Pipeline
	rec     *recorder
	run     *fakeRunner
	root    *fakeRoot
	phases  *fakePhases
	hook    *logrusTest.Hook
	base    string
	scripts string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	input := filepath.Join(base, "ubuntu.iso")
	writeTestFile(t, input, "source image")
	scripts := filepath.Join(base, "scripts")
	require.NoError(t, os.Mkdir(scripts, 0755))
	tmp := filepath.Join(base, "tmp")
	require.NoError(t, os.Mkdir(tmp, 0755))

	// The chroot stage changes directory; put it back for the next test.
	cwd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	rec := &recorder{}
	run := newFakeRunner(rec)
	installToolFakes(t, run)
	root := &fakeRoot{rec: rec}
	phases := &fakePhases{rec: rec, hooks: map[Phase]func(string) error{}}
	logger, hook := logrusTest.NewNullLogger()

	p := &Pipeline{
		ctx: context.Background(),
		opts: Options{
			Input:    input,
			Output:   filepath.Join(base, "custom.iso"),
			Scripts:  scripts,
			VolumeID: "TEST_VOL",
		},
		tmpDir:   tmp,
		exec:     run,
		release:  run,
		scripts:  phases,
		root:     root,
		lookPath: func(name string) (string, error) { return "/usr/bin/" + name, nil },
		now:      func() time.Time { return time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC) },
		log:      logger,
	}
	return &testEnv{p: p, rec: rec, run: run, root: root, phases: phases, hook: hook, base: base, scripts: scripts}
}

// chrootEvents returns the events from the /dev bind mount onwards.
func (e *testEnv) chrootEvents(t *testing.T) []string {
	t.Helper()
	i := e.rec.index("mount --bind /dev/")
	require.GreaterOrEqual(t, i, 0, "no /dev bind mount in %v", e.rec.events)
	return e.rec.events[i:]
}
