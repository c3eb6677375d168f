package modcd

import (
	"os/exec"
	"strings"
)

// loopMount mounts a disc image read-only at dest.
func loopMount(run commandRunner, image, dest string) error {
	return mountCommand(run, "-o", "loop,ro", "-t", "auto", image, dest)
}

// bindMount binds source onto dest.
func bindMount(run commandRunner, source, dest string) error {
	return mountCommand(run, "--bind", source, dest)
}

// pseudoMount mounts a kernel pseudo-filesystem (proc, sysfs, devpts).
func pseudoMount(run commandRunner, fsType, dest string) error {
	return mountCommand(run, "-t", fsType, "none", dest)
}

func mountCommand(run commandRunner, args ...string) error {
	cmd := exec.Command("mount", args...)
	debugf("[INFO] Running mount: %s", strings.Join(cmd.Args, " "))
	return run.Run(cmd)
}

// unmount detaches the filesystem mounted at path.
func unmount(run commandRunner, path string) error {
	debugf("[INFO] Unmounting: %s", path)
	return run.Run(exec.Command("umount", path))
}
