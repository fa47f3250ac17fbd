//go:build linux || darwin

// Daemonization logic for the server

package server

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	mLog "github.com/bakape/liveupdate/log"
	"github.com/go-playground/log"
	"github.com/sevlyar/go-daemon"
)

// ErrAlreadyRunning is returned, when a daemon is already running
var ErrAlreadyRunning = errors.New("server already running")

func daemonContext(pidFile, logFile string) *daemon.Context {
	return &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		LogFileName: logFile,
		LogFilePerm: 0640,
	}
}

// Daemonise spawns a detached process running serve in the background. Only
// returns in the parent process. serve must return after ctx is canceled.
func Daemonise(
	pidFile, logFile string,
	serve func(ctx context.Context) error,
) error {
	dc := daemonContext(pidFile, logFile)
	child, err := dc.Reborn()
	if err != nil {
		if err.Error() == "resource temporarily unavailable" {
			return ErrAlreadyRunning
		}
		return err
	}
	if child != nil {
		return nil
	}
	defer dc.Release()

	mLog.Daemonised = true
	mLog.Init(mLog.Console)
	log.Info("server started ------------------------------------")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := serve(ctx); err != nil {
			log.Errorf("server: %s", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	daemon.SetSigHandler(func(os.Signal) error {
		cancel()
		<-done
		return daemon.ErrStop
	}, syscall.SIGTERM, syscall.SIGQUIT)
	if err := daemon.ServeSignals(); err != nil {
		log.Fatalf("daemon runtime error: %s\n", err)
	}
	log.Info("server terminated")
	os.Exit(0)
	return nil
}

// KillDaemon terminates the running server daemon, if any, and waits for it
// to exit
func KillDaemon(pidFile string) error {
	proc, err := daemonContext(pidFile, "").Search()
	if err != nil && (!os.IsNotExist(err) && err.Error() != "EOF") {
		return err
	}
	if proc == nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	// Ascertain process has exited
	for {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			if err.Error() == "os: process already finished" {
				return nil
			}
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
}
