package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/franela/goblin"
	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
	"github.com/mimiro-io/archrepo-datalayer/internal/security"
)

func testClient(serverUrl string) *RepositoryClient {
	env := &conf.Env{
		Repository: &conf.RepositoryConfig{
			URL:        serverUrl,
			Identifier: "test-id",
			Secret:     "s3cr3t",
			RepoId:     "repo-1",
			PageSize:   200,
			Timeout:    5 * time.Second,
			RetryCount: 0,
		},
	}
	logger := zap.NewNop().Sugar()
	return NewRepositoryClient(env, logger, &statsd.NoOpClient{}, security.NewRequestSigner(env, logger))
}

type pageRange struct {
	start int
	end   int
}

// searchServer serves a paginated search result of `total` items and
// records the ranges each request asked for. Pages listed in `fail`
// (keyed by range-start) come back as 500.
func searchServer(t *testing.T, total int, ranges *[]pageRange, fail map[int]bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(security.HeaderToken) == "" {
			t.Errorf("request without auth token: %s", r.URL.Path)
		}
		start, _ := strconv.Atoi(r.URL.Query().Get("range-start"))
		end, _ := strconv.Atoi(r.URL.Query().Get("range-end"))
		if end == 0 || end > total {
			end = total
		}
		*ranges = append(*ranges, pageRange{start: start, end: end})

		if fail[start] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		items := ""
		for i := start; i < end; i++ {
			if items != "" {
				items += ","
			}
			items += fmt.Sprintf(`{"id":"{id-%d}","type":"C_APPLICATION","name":"app-%d"}`, i, i)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"items":[%s],"hitsTotal":%d,"rangeStart":%d,"rangeEnd":%d}`, items, total, start, end)
	}))
}

func TestSearchPagination(t *testing.T) {
	g := goblin.Goblin(t)

	g.Describe("Paginated search", func() {
		g.It("Should fetch every page and merge them in order", func() {
			var ranges []pageRange
			srv := searchServer(t, 450, &ranges, nil)
			defer srv.Close()

			entities, err := testClient(srv.URL).Search(context.Background(), []Filter{{ClassName: []string{"C_APPLICATION"}}})
			g.Assert(err).IsNil()
			g.Assert(len(entities)).Eql(450)
			g.Assert(ranges).Eql([]pageRange{{0, 200}, {200, 400}, {400, 450}})
			g.Assert(entities[0].Id).Eql("id-0")
			g.Assert(entities[200].Id).Eql("id-200")
			g.Assert(entities[449].Id).Eql("id-449")
		})

		g.It("Should not paginate when everything fits in one page", func() {
			var ranges []pageRange
			srv := searchServer(t, 42, &ranges, nil)
			defer srv.Close()

			entities, err := testClient(srv.URL).Search(context.Background(), nil)
			g.Assert(err).IsNil()
			g.Assert(len(entities)).Eql(42)
			g.Assert(len(ranges)).Eql(1)
		})

		g.It("Should pass a sub-page range through unmodified", func() {
			var ranges []pageRange
			srv := searchServer(t, 450, &ranges, nil)
			defer srv.Close()

			q := url.Values{}
			q.Set("range-end", "50")
			result, err := testClient(srv.URL).searchPaginated(context.Background(), "2.0/repos/repo-1/search", q)
			g.Assert(err).IsNil()
			g.Assert(len(result.Items)).Eql(50)
			g.Assert(ranges).Eql([]pageRange{{0, 50}})
		})

		g.It("Should skip a failed page and keep the rest", func() {
			var ranges []pageRange
			srv := searchServer(t, 450, &ranges, map[int]bool{200: true})
			defer srv.Close()

			entities, err := testClient(srv.URL).Search(context.Background(), nil)
			g.Assert(err).IsNil()
			g.Assert(len(entities)).Eql(250)
			g.Assert(entities[200].Id).Eql("id-400")
		})
	})
}

func TestGetEntity(t *testing.T) {
	g := goblin.Goblin(t)

	g.Describe("GetEntity", func() {
		g.It("Should return the parsed entity with a normalized id", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				g.Assert(r.URL.Path).Eql("/rest/2.0/entities/abc-123")
				_, _ = fmt.Fprint(w, `{"id":"{abc-123}","type":"C_APPLICATION","name":"billing"}`)
			}))
			defer srv.Close()

			e, err := testClient(srv.URL).GetEntity(context.Background(), "{abc-123}")
			g.Assert(err).IsNil()
			g.Assert(e.Id).Eql("abc-123")
			g.Assert(e.Name).Eql("billing")
		})

		g.It("Should map a 404 to absence, not an error", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			}))
			defer srv.Close()

			e, err := testClient(srv.URL).GetEntity(context.Background(), "missing")
			g.Assert(err).IsNil()
			g.Assert(e == nil).IsTrue()
		})

		g.It("Should surface a 401 as an AuthError", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = fmt.Fprint(w, `{"error":"token mismatch"}`)
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).GetEntity(context.Background(), "abc")
			authErr := &AuthError{}
			g.Assert(errors.As(err, &authErr)).IsTrue()
		})

		g.It("Should surface other failures as an UpstreamError", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).GetEntity(context.Background(), "abc")
			upstreamErr := &UpstreamError{}
			g.Assert(errors.As(err, &upstreamErr)).IsTrue()
			g.Assert(upstreamErr.Status).Eql(http.StatusBadGateway)
		})
	})
}

func TestRelations(t *testing.T) {
	g := goblin.Goblin(t)

	g.Describe("Relations", func() {
		g.It("Should parse and normalize the relations envelope", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				g.Assert(r.URL.Path).Eql("/rest/2.0/entities/a/relations")
				_, _ = fmt.Fprint(w, `{"relations":[{"id":"{r1}","fromId":"{a}","toId":"{b}","relationType":"RC_SERVING"}]}`)
			}))
			defer srv.Close()

			relations, err := testClient(srv.URL).Relations(context.Background(), "{a}")
			g.Assert(err).IsNil()
			g.Assert(len(relations)).Eql(1)
			g.Assert(relations[0].FromId).Eql("a")
			g.Assert(relations[0].ToId).Eql("b")
			g.Assert(relations[0].RelationType).Eql("RC_SERVING")
		})

		g.It("Should treat a 404 as no relationships", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			}))
			defer srv.Close()

			relations, err := testClient(srv.URL).Relations(context.Background(), "a")
			g.Assert(err).IsNil()
			g.Assert(len(relations)).Eql(0)
		})
	})
}

func TestRepos(t *testing.T) {
	g := goblin.Goblin(t)

	g.Describe("Repos", func() {
		g.It("Should read the enveloped shape", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprint(w, `{"repos":[{"id":"repo-1","name":"Production"}]}`)
			}))
			defer srv.Close()

			repos, err := testClient(srv.URL).Repos(context.Background())
			g.Assert(err).IsNil()
			g.Assert(len(repos)).Eql(1)
			g.Assert(repos[0].Name).Eql("Production")
		})

		g.It("Should read a bare list as well", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprint(w, `[{"id":"repo-1","name":"Production"}]`)
			}))
			defer srv.Close()

			repos, err := testClient(srv.URL).Repos(context.Background())
			g.Assert(err).IsNil()
			g.Assert(len(repos)).Eql(1)
		})
	})
}
