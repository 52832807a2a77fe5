package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/docflow-go/checkpoint"
	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/internal/reliability"
)

// okStage succeeds with a fixed confidence.
func okStage(name contracts.StageName, confidence float64) Stage {
	return StageFunc{
		StageName: name,
		Fn: func(ctx context.Context, record *contracts.ProcessingRecord) (*StageOutcome, error) {
			return &StageOutcome{Confidence: confidence}, nil
		},
	}
}

// failStage always returns an error.
func failStage(name contracts.StageName) Stage {
	return StageFunc{
		StageName: name,
		Fn: func(ctx context.Context, record *contracts.ProcessingRecord) (*StageOutcome, error) {
			return nil, fmt.Errorf("%s blew up", name)
		},
	}
}

// flagStage succeeds and raises the review flag.
func flagStage(name contracts.StageName) Stage {
	return StageFunc{
		StageName: name,
		Fn: func(ctx context.Context, record *contracts.ProcessingRecord) (*StageOutcome, error) {
			return &StageOutcome{Confidence: 0.7, RequiresHumanReview: true}, nil
		},
	}
}

// reviewStage mimics the two-phase review stage: first pass produces a
// request, second pass acknowledges the feedback.
func reviewStage() Stage {
	return StageFunc{
		StageName: contracts.StageHumanReview,
		Fn: func(ctx context.Context, record *contracts.ProcessingRecord) (*StageOutcome, error) {
			if record.Feedback == nil {
				now := time.Now().UTC()
				return &StageOutcome{
					Confidence: 0.5,
					ReviewRequest: &contracts.ReviewRequest{
						ReviewID:  uuid.New().String(),
						Reasons:   []string{"low confidence"},
						Priority:  contracts.PriorityMedium,
						CreatedAt: now,
						DueAt:     now.Add(contracts.PriorityMedium.DueOffset()),
					},
				}, nil
			}
			return &StageOutcome{
				Confidence: 1.0,
				Data:       map[string]any{"decision": string(record.Feedback.Decision)},
				Derived:    map[string]any{"decision": string(record.Feedback.Decision)},
			}, nil
		},
	}
}

func registerDefaults(t *testing.T, e *Engine, overrides map[contracts.StageName]Stage) {
	t.Helper()
	for _, name := range contracts.StageSequence {
		stage, ok := overrides[name]
		if !ok {
			switch name {
			case contracts.StageHumanReview:
				stage = reviewStage()
			default:
				stage = okStage(name, 0.9)
			}
		}
		require.NoError(t, e.RegisterStage(stage))
	}
}

func newTestEngine(t *testing.T, overrides map[contracts.StageName]Stage, opts ...EngineOption) (*Engine, *checkpoint.MemoryStore) {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	engine, err := NewEngine(store, opts...)
	require.NoError(t, err)
	registerDefaults(t, engine, overrides)
	return engine, store
}

func stagesIn(history []contracts.HistoryEntry) []contracts.StageName {
	var stages []contracts.StageName
	for _, entry := range history {
		if entry.Phase == contracts.PhaseStarted {
			stages = append(stages, entry.Stage)
		}
	}
	return stages
}

func TestEngineHappyPath(t *testing.T) {
	t.Run("Clean document completes without review", func(t *testing.T) {
		engine, _ := newTestEngine(t, nil)

		record, err := engine.Start(context.Background(), contracts.Document{Content: "clean invoice text"})
		require.NoError(t, err)

		assert.Equal(t, contracts.StatusCompleted, record.Status)
		assert.False(t, record.RequiresHumanReview)
		require.NotNil(t, record.CompletedAt)

		executed := stagesIn(record.History)
		assert.Equal(t, []contracts.StageName{
			contracts.StageIngestion,
			contracts.StageClassification,
			contracts.StageExtraction,
			contracts.StageValidation,
			contracts.StageRuleEvaluation,
			contracts.StageAnomalyDetection,
			contracts.StageAuditLearning,
		}, executed)
		assert.NotContains(t, executed, contracts.StageHumanReview)

		skipped := 0
		for _, entry := range record.History {
			if entry.Phase == contracts.PhaseSkipped {
				skipped++
				assert.Equal(t, contracts.StageHumanReview, entry.Stage)
			}
		}
		assert.Equal(t, 1, skipped)

		last := record.History[len(record.History)-1]
		assert.Equal(t, contracts.StageAuditLearning, last.Stage)
		assert.Equal(t, contracts.PhaseCompleted, last.Phase)
	})

	t.Run("Every started stage completes before the next one starts", func(t *testing.T) {
		engine, _ := newTestEngine(t, nil)
		record, err := engine.Start(context.Background(), contracts.Document{Content: "x"})
		require.NoError(t, err)

		var open *contracts.StageName
		for _, entry := range record.History {
			switch entry.Phase {
			case contracts.PhaseStarted:
				require.Nil(t, open, "stage %s started while %v still open", entry.Stage, open)
				s := entry.Stage
				open = &s
			case contracts.PhaseCompleted, contracts.PhaseFailed:
				require.NotNil(t, open)
				assert.Equal(t, *open, entry.Stage)
				open = nil
			}
		}
		assert.Nil(t, open)
	})
}

func TestEngineHardFailure(t *testing.T) {
	t.Run("Extraction failure short-circuits to audit", func(t *testing.T) {
		engine, _ := newTestEngine(t, map[contracts.StageName]Stage{
			contracts.StageExtraction: failStage(contracts.StageExtraction),
		})

		record, err := engine.Start(context.Background(), contracts.Document{Content: "x"})
		require.NoError(t, err)

		assert.Equal(t, contracts.StatusFailed, record.Status)
		assert.Equal(t, []contracts.StageName{
			contracts.StageIngestion,
			contracts.StageClassification,
			contracts.StageExtraction,
			contracts.StageAuditLearning,
		}, stagesIn(record.History))
		assert.NotEmpty(t, record.ErrorLog)
		require.NotNil(t, record.ResultFor(contracts.StageExtraction))
		assert.False(t, record.ResultFor(contracts.StageExtraction).Success)
		require.NotNil(t, record.ResultFor(contracts.StageAuditLearning))
		assert.True(t, record.ResultFor(contracts.StageAuditLearning).Success)
	})

	t.Run("Soft failures continue through the pipeline", func(t *testing.T) {
		engine, _ := newTestEngine(t, map[contracts.StageName]Stage{
			contracts.StageValidation:       failStage(contracts.StageValidation),
			contracts.StageRuleEvaluation:   failStage(contracts.StageRuleEvaluation),
			contracts.StageAnomalyDetection: failStage(contracts.StageAnomalyDetection),
		})

		record, err := engine.Start(context.Background(), contracts.Document{Content: "x"})
		require.NoError(t, err)

		assert.Equal(t, contracts.StatusCompleted, record.Status)
		assert.Equal(t, []contracts.StageName{
			contracts.StageIngestion,
			contracts.StageClassification,
			contracts.StageExtraction,
			contracts.StageValidation,
			contracts.StageRuleEvaluation,
			contracts.StageAnomalyDetection,
			contracts.StageAuditLearning,
		}, stagesIn(record.History))
		assert.Len(t, record.ErrorLog, 3)
	})

	t.Run("Panicking stage becomes a failed result", func(t *testing.T) {
		panicky := StageFunc{
			StageName: contracts.StageClassification,
			Fn: func(ctx context.Context, record *contracts.ProcessingRecord) (*StageOutcome, error) {
				panic("boom")
			},
		}
		engine, _ := newTestEngine(t, map[contracts.StageName]Stage{contracts.StageClassification: panicky})

		record, err := engine.Start(context.Background(), contracts.Document{Content: "x"})
		require.NoError(t, err)

		assert.Equal(t, contracts.StatusFailed, record.Status)
		result := record.ResultFor(contracts.StageClassification)
		require.NotNil(t, result)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "panicked")
	})
}

func TestEngineSuspendResume(t *testing.T) {
	suspendedRun := func(t *testing.T) (*Engine, *contracts.ProcessingRecord) {
		engine, _ := newTestEngine(t, map[contracts.StageName]Stage{
			contracts.StageRuleEvaluation: flagStage(contracts.StageRuleEvaluation),
		})
		record, err := engine.Start(context.Background(), contracts.Document{Content: "x"})
		require.NoError(t, err)
		return engine, record
	}

	t.Run("Review flag suspends the run with a pending request", func(t *testing.T) {
		_, record := suspendedRun(t)

		assert.Equal(t, contracts.StatusAwaitingHumanInput, record.Status)
		assert.Equal(t, contracts.StageHumanReview, record.CurrentStage)
		assert.True(t, record.RequiresHumanReview)
		require.NotNil(t, record.ReviewRequest)
		assert.Nil(t, record.CompletedAt)

		result := record.ResultFor(contracts.StageHumanReview)
		require.NotNil(t, result)
		assert.True(t, result.Success)
	})

	t.Run("Approve drives the run through audit to completion", func(t *testing.T) {
		engine, suspended := suspendedRun(t)

		record, err := engine.Resume(context.Background(), suspended.SessionID, contracts.HumanFeedback{
			ReviewID: suspended.ReviewRequest.ReviewID,
			Reviewer: "alice",
			Decision: contracts.DecisionApprove,
		})
		require.NoError(t, err)

		assert.Equal(t, contracts.StatusCompleted, record.Status)
		require.NotNil(t, record.CompletedAt)
		executed := stagesIn(record.History)
		assert.Equal(t, contracts.StageAuditLearning, executed[len(executed)-1])
	})

	t.Run("Resumed feedback runs the review stage before audit", func(t *testing.T) {
		engine, suspended := suspendedRun(t)

		record, err := engine.Resume(context.Background(), suspended.SessionID, contracts.HumanFeedback{
			Reviewer:      "alice",
			Decision:      contracts.DecisionModify,
			Modifications: map[string]any{"total_amount": 9500.0},
		})
		require.NoError(t, err)

		assert.Equal(t, contracts.StatusCompleted, record.Status)

		// The review stage executed a second time to process the feedback.
		reviewRuns := 0
		for _, entry := range record.History {
			if entry.Stage == contracts.StageHumanReview && entry.Phase == contracts.PhaseStarted {
				reviewRuns++
			}
		}
		assert.Equal(t, 2, reviewRuns)

		derived := record.DerivedFor(contracts.StageHumanReview)
		require.NotNil(t, derived)
		assert.Equal(t, "modify", derived["decision"])
	})

	t.Run("Reject routes to audit and fails the run", func(t *testing.T) {
		engine, suspended := suspendedRun(t)

		record, err := engine.Resume(context.Background(), suspended.SessionID, contracts.HumanFeedback{
			Reviewer: "alice",
			Decision: contracts.DecisionReject,
		})
		require.NoError(t, err)

		assert.Equal(t, contracts.StatusFailed, record.Status)
		require.NotNil(t, record.CompletedAt)
		executed := stagesIn(record.History)
		assert.Equal(t, contracts.StageAuditLearning, executed[len(executed)-1])
	})

	t.Run("Escalate re-suspends the run", func(t *testing.T) {
		engine, suspended := suspendedRun(t)

		record, err := engine.Resume(context.Background(), suspended.SessionID, contracts.HumanFeedback{
			Reviewer: "alice",
			Decision: contracts.DecisionEscalate,
		})
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusAwaitingHumanInput, record.Status)
		assert.Nil(t, record.CompletedAt)

		// A later resume with a real decision still works.
		record, err = engine.Resume(context.Background(), suspended.SessionID, contracts.HumanFeedback{
			Reviewer: "bob",
			Decision: contracts.DecisionApprove,
		})
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusCompleted, record.Status)
	})

	t.Run("Resume on unknown session returns SessionNotFound", func(t *testing.T) {
		engine, _ := newTestEngine(t, nil)
		_, err := engine.Resume(context.Background(), "never-started", contracts.HumanFeedback{
			Decision: contracts.DecisionApprove,
		})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("Resume on a finished session is rejected", func(t *testing.T) {
		engine, suspended := suspendedRun(t)
		feedback := contracts.HumanFeedback{Reviewer: "alice", Decision: contracts.DecisionApprove}

		_, err := engine.Resume(context.Background(), suspended.SessionID, feedback)
		require.NoError(t, err)

		_, err = engine.Resume(context.Background(), suspended.SessionID, feedback)
		assert.ErrorIs(t, err, ErrInvalidFeedback)
	})

	t.Run("Resume with mismatched review ID is rejected", func(t *testing.T) {
		engine, suspended := suspendedRun(t)
		_, err := engine.Resume(context.Background(), suspended.SessionID, contracts.HumanFeedback{
			ReviewID: "some-other-review",
			Decision: contracts.DecisionApprove,
		})
		assert.ErrorIs(t, err, ErrInvalidFeedback)
	})

	t.Run("Resume with unknown decision is rejected", func(t *testing.T) {
		engine, suspended := suspendedRun(t)
		_, err := engine.Resume(context.Background(), suspended.SessionID, contracts.HumanFeedback{
			Decision: contracts.FeedbackDecision("shrug"),
		})
		assert.ErrorIs(t, err, ErrInvalidFeedback)
	})

	t.Run("ReviewContext exposes the pending request", func(t *testing.T) {
		engine, suspended := suspendedRun(t)

		rc, err := engine.ReviewContext(context.Background(), suspended.SessionID)
		require.NoError(t, err)
		assert.Equal(t, suspended.SessionID, rc.SessionID)
		assert.Equal(t, suspended.ReviewRequest.ReviewID, rc.Request.ReviewID)

		_, err = engine.Resume(context.Background(), suspended.SessionID, contracts.HumanFeedback{
			Decision: contracts.DecisionApprove,
		})
		require.NoError(t, err)

		_, err = engine.ReviewContext(context.Background(), suspended.SessionID)
		assert.ErrorIs(t, err, ErrNoReviewPending)
	})
}

func TestEnginePersistence(t *testing.T) {
	t.Run("Record is checkpointed after every stage transition", func(t *testing.T) {
		engine, store := newTestEngine(t, nil)
		record, err := engine.Start(context.Background(), contracts.Document{Content: "x"})
		require.NoError(t, err)

		snapshots, err := store.History(context.Background(), record.SessionID)
		require.NoError(t, err)
		// Initial save + one per executed stage + terminal save.
		assert.Len(t, snapshots, 9)

		for i := 1; i < len(snapshots); i++ {
			assert.GreaterOrEqual(t, len(snapshots[i].History), len(snapshots[i-1].History),
				"history shrank between snapshots %d and %d", i-1, i)
			assert.Greater(t, snapshots[i].Version, snapshots[i-1].Version)
		}
	})

	t.Run("History entries never change once appended", func(t *testing.T) {
		engine, store := newTestEngine(t, map[contracts.StageName]Stage{
			contracts.StageValidation: failStage(contracts.StageValidation),
		})
		record, err := engine.Start(context.Background(), contracts.Document{Content: "x"})
		require.NoError(t, err)

		snapshots, err := store.History(context.Background(), record.SessionID)
		require.NoError(t, err)
		final := snapshots[len(snapshots)-1]
		for _, snap := range snapshots {
			for i, entry := range snap.History {
				assert.Equal(t, final.History[i], entry)
			}
		}
	})
}

type failingStore struct {
	*checkpoint.MemoryStore
	failAfter int
	saves     int
}

func (f *failingStore) Save(ctx context.Context, record *contracts.ProcessingRecord) error {
	f.saves++
	if f.saves > f.failAfter {
		return reliability.RetryableError{Err: errors.New("store unavailable"), Retryable: false}
	}
	return f.MemoryStore.Save(ctx, record)
}

func TestEngineErrors(t *testing.T) {
	t.Run("Checkpoint failure surfaces as EngineError and keeps last persisted state", func(t *testing.T) {
		store := &failingStore{MemoryStore: checkpoint.NewMemoryStore(), failAfter: 3}
		engine, err := NewEngine(store)
		require.NoError(t, err)
		registerDefaults(t, engine, nil)

		record, err := engine.Start(context.Background(), contracts.Document{Content: "x"})
		require.Error(t, err)

		var engineErr *EngineError
		require.ErrorAs(t, err, &engineErr)
		assert.Equal(t, "checkpoint", engineErr.Op)

		// The snapshots written before the outage are intact.
		persisted, loadErr := store.MemoryStore.Load(context.Background(), record.SessionID)
		require.NoError(t, loadErr)
		assert.NotEmpty(t, persisted.History)
	})

	t.Run("Missing stage registration is an engine error", func(t *testing.T) {
		engine, err := NewEngine(checkpoint.NewMemoryStore())
		require.NoError(t, err)

		_, err = engine.Start(context.Background(), contracts.Document{Content: "x"})
		var engineErr *EngineError
		require.ErrorAs(t, err, &engineErr)
	})

	t.Run("Empty document content is rejected", func(t *testing.T) {
		engine, _ := newTestEngine(t, nil)
		_, err := engine.Start(context.Background(), contracts.Document{})
		assert.Error(t, err)
	})

	t.Run("NewEngine rejects nil checkpointer", func(t *testing.T) {
		_, err := NewEngine(nil)
		assert.Error(t, err)
	})

	t.Run("Duplicate stage registration is rejected", func(t *testing.T) {
		engine, err := NewEngine(checkpoint.NewMemoryStore())
		require.NoError(t, err)
		require.NoError(t, engine.RegisterStage(okStage(contracts.StageIngestion, 1)))
		assert.Error(t, engine.RegisterStage(okStage(contracts.StageIngestion, 1)))
	})
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, event contracts.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func TestEngineEvents(t *testing.T) {
	t.Run("Stage and run events are published", func(t *testing.T) {
		publisher := &mockPublisher{}
		publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

		engine, err := NewEngine(checkpoint.NewMemoryStore(), WithEventPublisher(publisher))
		require.NoError(t, err)
		registerDefaults(t, engine, nil)

		_, err = engine.Start(context.Background(), contracts.Document{Content: "x"})
		require.NoError(t, err)

		// 7 stage events + run finished.
		publisher.AssertNumberOfCalls(t, "Publish", 8)
	})

	t.Run("Publish failures do not fail the run", func(t *testing.T) {
		publisher := &mockPublisher{}
		publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))

		engine, err := NewEngine(checkpoint.NewMemoryStore(), WithEventPublisher(publisher))
		require.NoError(t, err)
		registerDefaults(t, engine, nil)

		record, err := engine.Start(context.Background(), contracts.Document{Content: "x"})
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusCompleted, record.Status)
	})
}
