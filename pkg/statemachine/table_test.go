package statemachine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitfusion/billing/pkg/statemachine"
)

type doc string
type action string

const (
	draft     doc = "draft"
	review    doc = "review"
	published doc = "published"
	archived  doc = "archived"

	submit  action = "submit"
	approve action = "approve"
	archive action = "archive"
)

func newTable() *statemachine.Table[doc, action] {
	isAdmin := func(_ context.Context, _ doc, _ action, data any) bool {
		role, _ := data.(string)
		return role == "admin"
	}
	return statemachine.NewTable(
		statemachine.WithTransition(draft, submit, review),
		statemachine.WithTransition(review, approve, published, isAdmin),
		statemachine.WithTransition(draft, archive, archived),
		statemachine.WithTransition(review, archive, archived),
		statemachine.WithTransition(published, archive, archived),
		statemachine.WithTerminal[doc, action](archived),
	)
}

func TestTable_Next(t *testing.T) {
	t.Parallel()

	table := newTable()
	ctx := context.Background()

	tests := []struct {
		name     string
		from     doc
		event    action
		data     any
		want     doc
		rejected bool
		missing  bool
	}{
		{name: "simple", from: draft, event: submit, want: review},
		{name: "guard passes", from: review, event: approve, data: "admin", want: published},
		{name: "guard vetoes", from: review, event: approve, data: "editor", rejected: true},
		{name: "undefined pair", from: draft, event: approve, missing: true},
		{name: "terminal state", from: archived, event: submit, missing: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := table.Next(ctx, tt.from, tt.event, tt.data)
			switch {
			case tt.rejected:
				require.Error(t, err)
				assert.True(t, statemachine.IsTransitionRejectedError(err))
			case tt.missing:
				require.Error(t, err)
				assert.True(t, statemachine.IsNoTransitionAvailableError(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTable_FirstPassingCandidateWins(t *testing.T) {
	t.Parallel()

	never := func(context.Context, doc, action, any) bool { return false }
	table := statemachine.NewTable(
		statemachine.WithTransition(draft, submit, published, never),
		statemachine.WithTransition(draft, submit, review),
	)
	got, err := table.Next(context.Background(), draft, submit, nil)
	require.NoError(t, err)
	assert.Equal(t, review, got)
}

func TestTable_Helpers(t *testing.T) {
	t.Parallel()

	table := newTable()
	assert.True(t, table.IsTerminal(archived))
	assert.False(t, table.IsTerminal(draft))
	assert.True(t, table.Can(context.Background(), draft, submit, nil))
	assert.False(t, table.Can(context.Background(), review, approve, nil))
	assert.ElementsMatch(t, []action{submit, archive}, table.Events(draft))
	assert.Empty(t, table.Events(archived))
}

func TestNewTable_PanicsOnTransitionOutOfTerminal(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		statemachine.NewTable(
			statemachine.WithTerminal[doc, action](archived),
			statemachine.WithTransition(archived, submit, draft),
		)
	})
}

func TestErrors_Messages(t *testing.T) {
	t.Parallel()

	_, err := newTable().Next(context.Background(), draft, approve, nil)
	assert.Equal(t, "no transition available from state 'draft' for event 'approve'", err.Error())

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, statemachine.IsNoTransitionAvailableError(wrapped))
}
