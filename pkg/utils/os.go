//
// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package utils provides file and shell helpers shared by the daemon and
// its tests.
package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Executor is an interface for calling a command and processing its output.
type Executor interface {
	// CallCMD executes the command and returns the output's STDOUT, STDERR streams as well as any errors
	CallCMD(ctx context.Context, cmd []string, dir string) ([]byte, []byte, error)
}

var (
	defaultCommand = "bash"
	defaultOptions = []string{"-c"}
)

// NewCommander returns a new commander.
func NewCommander() *Commander {
	return &Commander{
		Command: defaultCommand,
		Options: defaultOptions,
	}
}

// Commander is a wrapper around os/exec.Command(). It captures the stdout
// and stderr streams of the executed command separately.
type Commander struct {
	Command string
	Options []string
}

// Run is a facade command that runs a single command from the current directory.
func (c *Commander) Run(cmd string) ([]byte, []byte, error) {
	return c.CallCMD(context.TODO(), []string{cmd}, "./")
}

// CallCMD calls a specified command in a shell and returns its stdout and stderr as byte slices and potentially an error.
// As per os/exec doc:
// ```
// If the command fails to run or doesn't complete successfully, the error is of type *ExitError. Other error types may be returned for I/O problems.
// ```
func (c *Commander) CallCMD(ctx context.Context, cmd []string, dir string) ([]byte, []byte, error) {
	baseCmd := c.Options
	baseCmd = append(baseCmd, cmd...)
	command := exec.CommandContext(ctx, c.Command, baseCmd...)
	stderrBuffer := bytes.NewBuffer([]byte{})
	stdoutBuffer := bytes.NewBuffer([]byte{})
	command.Stderr = stderrBuffer
	command.Stdout = stdoutBuffer
	command.Dir = dir
	err := command.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdoutBuffer.Bytes(), stderrBuffer.Bytes(), err
		}
		return stdoutBuffer.Bytes(), stderrBuffer.Bytes(), fmt.Errorf("error executing a command: %s", err)
	}
	return stdoutBuffer.Bytes(), stderrBuffer.Bytes(), nil
}

// ReadFile reads file content for a given file location, resolving symlinks.
func ReadFile(path string) ([]byte, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}
