package security

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/franela/goblin"
	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
)

func testSigner(secret string) *RequestSigner {
	env := &conf.Env{
		Repository: &conf.RepositoryConfig{
			Identifier: "test-id",
			Secret:     secret,
		},
	}
	return NewRequestSigner(env, zap.NewNop().Sugar())
}

func TestRequestSigner(t *testing.T) {
	g := goblin.Goblin(t)

	fixedHeaders := map[string]string{
		HeaderIdentifier: "test-id",
		HeaderGuid:       "8b8c7f3e-8a5e-4d8f-9a2b-111122223333",
		HeaderTimestamp:  "1637695007170",
	}

	g.Describe("The request signer", func() {
		g.It("Should produce the same token for identical inputs", func() {
			signer := testSigner("s3cr3t")
			q := url.Values{}
			q.Set("query", `{"filters":[{"className":["C_APPLICATION"]}]}`)

			first := signer.Token(fixedHeaders, q)
			second := signer.Token(fixedHeaders, q)
			g.Assert(first).Eql(second)
		})

		g.It("Should change the token when the shared secret changes", func() {
			q := url.Values{}
			q.Set("query", `{"filters":[{"className":["C_APPLICATION"]}]}`)

			first := testSigner("s3cr3t").Token(fixedHeaders, q)
			second := testSigner("other").Token(fixedHeaders, q)
			g.Assert(first != second).IsTrue()
		})

		g.It("Should change the token when a header value changes", func() {
			signer := testSigner("s3cr3t")
			q := url.Values{}
			q.Set("query", `{"filters":[{"className":["C_APPLICATION"]}]}`)

			first := signer.Token(fixedHeaders, q)
			changed := map[string]string{}
			for k, v := range fixedHeaders {
				changed[k] = v
			}
			changed[HeaderTimestamp] = "1637695007171"
			second := signer.Token(changed, q)
			g.Assert(first != second).IsTrue()
		})

		g.It("Should agree with the canary about the active collation", func() {
			signer := testSigner("s3cr3t")
			canary := []string{"1637695007170", `{"filters":[{"className":"C_WORK_PACKAGE"}]}`}
			sorted := make([]string, len(canary))
			copy(sorted, canary)
			collate.New(language.MustParse("en-US")).SortStrings(sorted)
			g.Assert(signer.compensate).Eql(sorted[0] != canary[1])
		})

		g.It("Should match the query-first reference digest when compensating", func() {
			signer := testSigner("s3cr3t")
			signer.compensate = true

			query := `{"filters":[{"className":"C_WORK_PACKAGE"}]}`
			q := url.Values{}
			q.Set("query", query)

			// reference fixture: sort everything, then move the query
			// document to position 0 before hashing
			tokens := []string{}
			for k, v := range fixedHeaders {
				tokens = append(tokens, k, v)
			}
			tokens = append(tokens, "query", query, "s3cr3t")
			collate.New(language.MustParse("en-US")).SortStrings(tokens)
			for i, token := range tokens {
				if token == query {
					tokens = append(tokens[:i], tokens[i+1:]...)
					break
				}
			}
			tokens = append([]string{query}, tokens...)

			mac := hmac.New(sha512.New, []byte("s3cr3t"))
			for _, token := range tokens {
				mac.Write([]byte(token))
			}
			reference := base64.StdEncoding.EncodeToString(mac.Sum(nil))

			g.Assert(signer.Token(fixedHeaders, q)).Eql(reference)
		})

		g.It("Should include the token header in AuthHeaders", func() {
			signer := testSigner("s3cr3t")
			headers := signer.AuthHeaders(nil)
			g.Assert(headers[HeaderIdentifier]).Eql("test-id")
			g.Assert(headers[HeaderGuid] != "").IsTrue()
			g.Assert(headers[HeaderTimestamp] != "").IsTrue()
			g.Assert(headers[HeaderToken] != "").IsTrue()
		})
	})
}
