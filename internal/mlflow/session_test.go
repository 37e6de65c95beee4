package mlflow

import (
	"context"
	"testing"

	"opttrack/internal/mlflow/store"
)

func TestSession_GetOrCreateExperiment_Idempotent(t *testing.T) {
	sess, f := newTestSession(t)

	first, err := sess.GetOrCreateExperiment(context.Background(), "my_study")
	if err != nil {
		t.Fatalf("GetOrCreateExperiment: %v", err)
	}
	second, err := sess.GetOrCreateExperiment(context.Background(), "my_study")
	if err != nil {
		t.Fatalf("GetOrCreateExperiment: %v", err)
	}
	if first != second {
		t.Errorf("experiment IDs differ: %q vs %q", first, second)
	}
	if len(f.experiments) != 1 {
		t.Errorf("experiments = %d, want 1", len(f.experiments))
	}
}

func TestSession_NestedRunsFormStack(t *testing.T) {
	sess, _ := newTestSession(t)
	ctx := context.Background()

	expID, err := sess.GetOrCreateExperiment(ctx, "my_study")
	if err != nil {
		t.Fatalf("GetOrCreateExperiment: %v", err)
	}
	parent, err := sess.StartRun(ctx, expID, "parent", false, nil)
	if err != nil {
		t.Fatalf("StartRun parent: %v", err)
	}
	child, err := sess.StartRun(ctx, expID, "child", true, nil)
	if err != nil {
		t.Fatalf("StartRun child: %v", err)
	}

	if active := sess.ActiveRun(); active == nil || active.ID != child.ID {
		t.Error("child should be the active run")
	}
	if err := sess.EndRun(ctx, store.StatusFinished); err != nil {
		t.Fatalf("EndRun child: %v", err)
	}
	if active := sess.ActiveRun(); active == nil || active.ID != parent.ID {
		t.Error("parent should be active again after the child ends")
	}
	if err := sess.EndRun(ctx, store.StatusFinished); err != nil {
		t.Fatalf("EndRun parent: %v", err)
	}
	if sess.ActiveRun() != nil {
		t.Error("no run should be active after both end")
	}
}

func TestSession_StartRun_ConflictWithoutNesting(t *testing.T) {
	sess, _ := newTestSession(t)
	ctx := context.Background()

	expID, err := sess.GetOrCreateExperiment(ctx, "my_study")
	if err != nil {
		t.Fatalf("GetOrCreateExperiment: %v", err)
	}
	if _, err := sess.StartRun(ctx, expID, "first", false, nil); err != nil {
		t.Fatalf("StartRun first: %v", err)
	}
	if _, err := sess.StartRun(ctx, expID, "second", false, nil); err == nil {
		t.Fatal("second non-nested StartRun should fail while a run is active")
	}
}

func TestSession_EndRun_WithoutActive(t *testing.T) {
	sess, _ := newTestSession(t)
	if err := sess.EndRun(context.Background(), store.StatusFinished); err == nil {
		t.Fatal("EndRun without an active run should fail")
	}
}

func TestSession_LogBatch_WithoutActive(t *testing.T) {
	sess, _ := newTestSession(t)
	err := sess.LogBatch(context.Background(), nil, []store.Param{{Key: "x", Value: "1"}}, nil)
	if err == nil {
		t.Fatal("LogBatch without an active run should fail")
	}
}
