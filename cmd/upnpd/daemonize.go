package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// daemonizedEnv marks a re-executed child so it does not detach again.
const daemonizedEnv = "UPNPD_DAEMONIZED"

func daemonized() bool {
	return os.Getenv(daemonizedEnv) == "1"
}

// daemonize re-executes the current command detached from the terminal:
// its own session, stdio on /dev/null. The parent reports the child PID
// and exits; the child acquires the pid file and runs the loop.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	defer devnull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	fmt.Printf("upnpd running in the background (pid %d)\n", cmd.Process.Pid)
	return nil
}
