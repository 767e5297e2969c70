package main

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"

	"github.com/srg/biostream/internal/testutils"
)

// CommandTestSuite runs cobra commands in-process with an isolated working
// directory and HOME so no biostream.yaml on the machine leaks into tests.
// All cmd/biostream test suites should embed this.
type CommandTestSuite struct {
	suite.Suite
	Helper *testutils.TestHelper
	Dir    string
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Dir = s.T().TempDir()
	s.T().Chdir(s.Dir)
	s.T().Setenv("HOME", s.Dir)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "BIOSTREAM_") {
			s.T().Setenv(strings.SplitN(kv, "=", 2)[0], "")
		}
	}
	resetFlags(rootCmd)
}

// resetFlags restores every flag of cmd and its subcommands to its default,
// since cobra commands are package globals shared by all tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// ExecuteCommand runs the root command with args and returns stdout, stderr
// and the command error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandWithInput(nil, args...)
}

// ExecuteCommandWithInput is ExecuteCommand with stdin fed from in.
func (s *CommandTestSuite) ExecuteCommandWithInput(in io.Reader, args ...string) (string, string, error) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetIn(in)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
	}()

	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// WriteFile creates name in the test directory and returns its path.
func (s *CommandTestSuite) WriteFile(name, content string) string {
	path := s.Dir + "/" + name
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "test file MUST be written")
	return path
}
