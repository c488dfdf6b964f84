package revision

import (
	"errors"
	"testing"
)

func TestNewChain_RejectsDuplicates(t *testing.T) {
	_, err := NewChain("p", []PlanRevision{
		{ID: "r1", StartAt: day("2024-01-01")},
		{ID: "r1", StartAt: day("2023-01-01")},
	})
	var mce *MalformedChainError
	if !errors.As(err, &mce) || mce.Reason != ReasonDuplicateID {
		t.Fatalf("err = %v, want duplicate id", err)
	}
}

func TestNewChain_RejectsForeignPlan(t *testing.T) {
	_, err := NewChain("p", []PlanRevision{{ID: "r1", PlanID: "other", StartAt: day("2024-01-01")}})
	if !errors.Is(err, ErrMalformedChain) {
		t.Fatalf("err = %v, want ErrMalformedChain", err)
	}
}

func TestChain_CopiesInput(t *testing.T) {
	revs := []PlanRevision{{ID: "r1", StartAt: day("2024-01-01")}}
	c := mustChain(t, revs...)
	revs[0].ID = "mutated"

	if _, ok := c.Get("r1"); !ok {
		t.Error("chain observed caller mutation")
	}
	out := c.Revisions()
	out[0].ID = "mutated"
	if head, _ := c.Head(); head.ID != "r1" {
		t.Error("Revisions() exposed internal storage")
	}
}

func TestChain_Successors(t *testing.T) {
	c := mustChain(t,
		PlanRevision{ID: "r3", StartAt: day("2025-01-01"), PreviousID: "r1"},
		PlanRevision{ID: "r2", StartAt: day("2024-01-01"), PreviousID: "r1"},
		PlanRevision{ID: "r1", StartAt: day("2023-01-01")},
	)
	if got := c.Successors("r1"); len(got) != 2 {
		t.Errorf("Successors(r1) = %d revisions, want 2", len(got))
	}
	if got := c.Successors("r3"); len(got) != 0 {
		t.Errorf("Successors(r3) = %d revisions, want 0", len(got))
	}
}

func TestChain_Validate(t *testing.T) {
	tests := []struct {
		name    string
		revs    []PlanRevision
		wantErr error
	}{
		{
			name: "ordered",
			revs: []PlanRevision{
				{ID: "r2", StartAt: day("2024-01-01"), PreviousID: "r1"},
				{ID: "r1", StartAt: day("2023-01-01"), EndAt: ptr(day("2023-12-31"))},
			},
		},
		{
			name: "same start as predecessor",
			revs: []PlanRevision{
				{ID: "r2", StartAt: day("2023-01-01"), PreviousID: "r1"},
				{ID: "r1", StartAt: day("2023-01-01")},
			},
			wantErr: ErrOutOfOrder,
		},
		{
			name:    "ends before start",
			revs:    []PlanRevision{{ID: "r1", StartAt: day("2023-01-01"), EndAt: ptr(day("2022-01-01"))}},
			wantErr: ErrOutOfOrder,
		},
		{
			name:    "dangling",
			revs:    []PlanRevision{{ID: "r2", StartAt: day("2023-01-01"), PreviousID: "r1"}},
			wantErr: ErrMalformedChain,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mustChain(t, tt.revs...).Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
