package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/franela/goblin"
	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/entity"
)

type fakeRelationSource struct {
	mu        sync.Mutex
	relations map[string][]*entity.Relationship
	calls     map[string]int
	failFor   map[string]bool
}

func (f *fakeRelationSource) Relationships(ctx context.Context, id string, forceRefresh bool) ([]*entity.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[id]++
	if f.failFor[id] {
		return nil, errors.New("upstream unavailable")
	}
	return f.relations[id], nil
}

func rel(id, from, to, relationType string) *entity.Relationship {
	return &entity.Relationship{Id: id, FromId: from, ToId: to, RelationType: relationType}
}

func TestBuilder(t *testing.T) {
	g := goblin.Goblin(t)
	ctx := context.Background()
	logger := zap.NewNop().Sugar()

	g.Describe("The graph builder", func() {
		g.It("Should discover intermediates across expansion rounds", func() {
			source := &fakeRelationSource{relations: map[string][]*entity.Relationship{
				"a": {rel("r1", "a", "b", "RC_SERVING")},
				"b": {rel("r2", "b", "c", "RC_SERVING")},
				"c": {rel("r3", "c", "d", "RC_SERVING")},
			}}
			builder := NewBuilder(source, logger, WithWorkers(2), WithExpansionRounds(3))

			graph, workingSet, err := builder.Build(ctx, []string{"{a}"})
			g.Assert(err).IsNil()
			g.Assert(len(workingSet)).Eql(4)
			g.Assert(graph["a"]).Eql([]Edge{{TargetId: "b", RelationType: "RC_SERVING"}})
			g.Assert(graph["b"]).Eql([]Edge{{TargetId: "c", RelationType: "RC_SERVING"}})
			g.Assert(graph["c"]).Eql([]Edge{{TargetId: "d", RelationType: "RC_SERVING"}})
		})

		g.It("Should drop edges pointing outside the working set", func() {
			source := &fakeRelationSource{relations: map[string][]*entity.Relationship{
				"a": {rel("r1", "a", "b", "RC_SERVING")},
				"b": {rel("r2", "b", "c", "RC_SERVING")},
			}}
			builder := NewBuilder(source, logger, WithExpansionRounds(1))

			graph, workingSet, err := builder.Build(ctx, []string{"a"})
			g.Assert(err).IsNil()
			// c was only seen in the post-round fetch of b, it never
			// joined the working set
			g.Assert(workingSet["c"]).IsFalse()
			g.Assert(len(graph["b"])).Eql(0)
			g.Assert(graph["a"]).Eql([]Edge{{TargetId: "b", RelationType: "RC_SERVING"}})
		})

		g.It("Should filter edges against the relation type whitelist", func() {
			source := &fakeRelationSource{relations: map[string][]*entity.Relationship{
				"a": {
					rel("r1", "a", "b", "RC_SERVING"),
					rel("r2", "a", "c", "RC_NOISE"),
				},
			}}
			builder := NewBuilder(source, logger, WithRelationTypes([]string{"RC_SERVING"}))

			graph, workingSet, err := builder.Build(ctx, []string{"a"})
			g.Assert(err).IsNil()
			// filtering applies to edges only, discovery still follows
			// every relation
			g.Assert(workingSet["c"]).IsTrue()
			g.Assert(graph["a"]).Eql([]Edge{{TargetId: "b", RelationType: "RC_SERVING"}})
		})

		g.It("Should stop early when a round discovers nothing", func() {
			source := &fakeRelationSource{relations: map[string][]*entity.Relationship{
				"a": {rel("r1", "a", "b", "RC_SERVING")},
				"b": {rel("r2", "b", "a", "RC_SERVING")},
			}}
			builder := NewBuilder(source, logger, WithExpansionRounds(10))

			_, workingSet, err := builder.Build(ctx, []string{"a"})
			g.Assert(err).IsNil()
			g.Assert(len(workingSet)).Eql(2)
			g.Assert(source.calls["a"]).Eql(1)
			g.Assert(source.calls["b"]).Eql(1)
		})

		g.It("Should treat a failing fetch as an entity without relationships", func() {
			source := &fakeRelationSource{
				relations: map[string][]*entity.Relationship{
					"a": {rel("r1", "a", "b", "RC_SERVING")},
				},
				failFor: map[string]bool{"b": true},
			}
			builder := NewBuilder(source, logger)

			graph, workingSet, err := builder.Build(ctx, []string{"a", "b"})
			g.Assert(err).IsNil()
			g.Assert(len(workingSet)).Eql(2)
			g.Assert(graph["a"]).Eql([]Edge{{TargetId: "b", RelationType: "RC_SERVING"}})
			g.Assert(len(graph["b"])).Eql(0)
		})

		g.It("Should only keep forward edges for the owning entity", func() {
			// fetching b returns the same relationship a->b; only a gets
			// the edge
			shared := rel("r1", "a", "b", "RC_SERVING")
			source := &fakeRelationSource{relations: map[string][]*entity.Relationship{
				"a": {shared},
				"b": {shared},
			}}
			builder := NewBuilder(source, logger)

			graph, _, err := builder.Build(ctx, []string{"a", "b"})
			g.Assert(err).IsNil()
			g.Assert(graph["a"]).Eql([]Edge{{TargetId: "b", RelationType: "RC_SERVING"}})
			g.Assert(len(graph["b"])).Eql(0)
		})
	})
}
