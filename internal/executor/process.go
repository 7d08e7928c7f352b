package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// lineFunc handles one line of process output; stderr lines have isErr set
type lineFunc func(line string, isErr bool)

// processResult is how a supervised process ended
type processResult struct {
	ExitCode   int
	Terminated bool
}

// runProcess starts cmd in its own process group, streams its output line by
// line and waits for it. When ctx is done the group gets SIGTERM, then SIGKILL
// after grace.
func runProcess(ctx context.Context, cmd *exec.Cmd, grace time.Duration, logPath string, onStart func(pid int), onLine lineFunc) (processResult, error) {
	configureProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return processResult{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return processResult{}, err
	}

	var logFile *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return processResult{}, fmt.Errorf("creating log dir: %w", err)
		}
		if logFile, err = os.Create(logPath); err != nil {
			return processResult{}, fmt.Errorf("creating log file: %w", err)
		}
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		return processResult{}, fmt.Errorf("starting %s: %w", filepath.Base(cmd.Path), err)
	}
	if onStart != nil {
		onStart(cmd.Process.Pid)
	}

	var logMu sync.Mutex
	var wg sync.WaitGroup
	readLines := func(r io.Reader, isErr bool) {
		defer wg.Done()
		err := scanLines(r, func(line string, truncated bool) {
			if truncated {
				log.Printf("[executor] output line from pid %d cut to %d bytes", cmd.Process.Pid, maxLineBytes)
			}
			if logFile != nil {
				logMu.Lock()
				logFile.WriteString(line + "\n")
				logMu.Unlock()
			}
			if onLine != nil {
				onLine(line, isErr)
			}
		})
		if err != nil {
			log.Printf("[executor] reading output of pid %d: %v", cmd.Process.Pid, err)
			// the child blocks on a full pipe otherwise
			io.Copy(io.Discard, r)
		}
	}
	wg.Add(2)
	go readLines(stdout, false)
	go readLines(stderr, true)

	exited := make(chan struct{})
	watchDone := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			terminateProcess(cmd, grace, exited)
			watchDone <- true
		case <-exited:
			watchDone <- false
		}
	}()

	// pipes must be drained before Wait closes them
	wg.Wait()
	waitErr := cmd.Wait()
	close(exited)

	res := processResult{
		ExitCode:   cmd.ProcessState.ExitCode(),
		Terminated: <-watchDone,
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("exit code %d: %w", res.ExitCode, waitErr)
		}
		return res, waitErr
	}
	return res, nil
}

// maxLineBytes caps a single output line; stream-json tool results can be large
const maxLineBytes = 1024 * 1024

// scanLines calls fn for every line of r without the line ending. Longer
// lines than maxLineBytes are cut and the remainder discarded, so the reader
// always keeps draining r.
func scanLines(r io.Reader, fn func(line string, truncated bool)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	truncated := false
	for {
		chunk, more, err := br.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if room := maxLineBytes - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if more {
			continue
		}
		fn(string(line), truncated)
		line = line[:0]
		truncated = false
	}
}
