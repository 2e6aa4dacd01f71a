package project_test

import (
	"errors"
	"testing"

	"saker.build/daemon/internal/project"
)

func TestCleanIncrementsGenerationButKeepsClusters(t *testing.T) {
	t.Parallel()

	c := project.New("/work/a")
	if err := c.ClusterStarting("exec-1"); err != nil {
		t.Fatalf("ClusterStarting: %v", err)
	}
	if err := c.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if got := c.ActiveClusterExecutions(); got != 1 {
		t.Fatalf("ActiveClusterExecutions after Clean = %d, want 1", got)
	}
}

func TestResetDropsClusters(t *testing.T) {
	t.Parallel()

	c := project.New("/work/a")
	if err := c.ClusterStarting("exec-1"); err != nil {
		t.Fatalf("ClusterStarting: %v", err)
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := c.ActiveClusterExecutions(); got != 0 {
		t.Fatalf("ActiveClusterExecutions after Reset = %d, want 0", got)
	}
}

func TestClusterFinishedWithoutStartingIsNoop(t *testing.T) {
	t.Parallel()

	c := project.New("/work/a")
	if err := c.ClusterFinished("never-started"); err != nil {
		t.Fatalf("ClusterFinished on unknown key returned error: %v", err)
	}
}

func TestClusterFinishedIsIdempotent(t *testing.T) {
	t.Parallel()

	c := project.New("/work/a")
	if err := c.ClusterStarting("exec-1"); err != nil {
		t.Fatalf("ClusterStarting: %v", err)
	}
	if err := c.ClusterFinished("exec-1"); err != nil {
		t.Fatalf("first ClusterFinished: %v", err)
	}
	if err := c.ClusterFinished("exec-1"); err != nil {
		t.Fatalf("second ClusterFinished: %v", err)
	}
	if got := c.ActiveClusterExecutions(); got != 0 {
		t.Fatalf("ActiveClusterExecutions = %d, want 0", got)
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	t.Parallel()

	c := project.New("/work/a")
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
	if !c.IsClosed() {
		t.Fatal("IsClosed() = false after Close")
	}

	for name, op := range map[string]func() error{
		"Clean":           c.Clean,
		"Reset":           c.Reset,
		"ClusterStarting": func() error { return c.ClusterStarting("x") },
	} {
		if err := op(); !errors.Is(err, project.ErrClosed) {
			t.Errorf("%s after Close = %v, want ErrClosed", name, err)
		}
	}

	// ClusterFinished tolerates a racing close rather than erroring.
	if err := c.ClusterFinished("x"); err != nil {
		t.Fatalf("ClusterFinished after Close = %v, want nil", err)
	}
}

func TestWorkingDirectoryAndString(t *testing.T) {
	t.Parallel()

	c := project.New("/work/a")
	if got := c.WorkingDirectory(); got != "/work/a" {
		t.Fatalf("WorkingDirectory() = %q, want /work/a", got)
	}
	if got := c.String(); got == "" {
		t.Fatal("String() returned empty string")
	}
}
