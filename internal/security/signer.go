package security

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
)

const (
	HeaderIdentifier = "x-axw-rest-identifier"
	HeaderGuid       = "x-axw-rest-guid"
	HeaderTimestamp  = "x-axw-rest-timestamp"
	HeaderToken      = "x-axw-rest-token"
)

// RequestSigner produces the HMAC token the repository server expects on
// every request. The server sorts the signed tokens with its own locale
// collation, so we have to match that ordering, quirks included.
type RequestSigner struct {
	identifier string
	secret     string
	collator   *collate.Collator
	compensate bool
	logger     *zap.SugaredLogger
}

func NewRequestSigner(env *conf.Env, logger *zap.SugaredLogger) *RequestSigner {
	signer := &RequestSigner{
		identifier: env.Repository.Identifier,
		secret:     env.Repository.Secret,
		collator:   collate.New(language.MustParse("en-US")),
		logger:     logger.Named("signer"),
	}
	signer.compensate = signer.hasSortQuirk()
	if signer.compensate {
		signer.logger.Info("Collation canary mismatch detected, query token compensation is active")
	}
	return signer
}

// hasSortQuirk runs the fixed two-string canary comparison once at startup.
// The server was built against a collation that sorts a leading '{' before
// digits; when ours does not, Token moves the query document to the front
// of the sorted list to match what the server computes.
func (s *RequestSigner) hasSortQuirk() bool {
	canary := []string{"1637695007170", `{"filters":[{"className":"C_WORK_PACKAGE"}]}`}
	sorted := make([]string, len(canary))
	copy(sorted, canary)
	s.collator.SortStrings(sorted)
	return sorted[0] != `{"filters":[{"className":"C_WORK_PACKAGE"}]}`
}

// Token flattens headers, query parameters and the shared secret into one
// token list, sorts it with locale collation and returns the base64 encoded
// HMAC-SHA512 over the concatenation. A parameter named "query" is kept as
// one atomic string and never split into separate tokens.
func (s *RequestSigner) Token(headers map[string]string, q url.Values) string {
	tokens := make([]string, 0, len(headers)*2+len(q)*2+1)
	for k, v := range headers {
		tokens = append(tokens, k, v)
	}
	for k, values := range q {
		tokens = append(tokens, k)
		if k == "query" {
			tokens = append(tokens, q.Get("query"))
		} else {
			tokens = append(tokens, values...)
		}
	}
	tokens = append(tokens, s.secret)

	s.collator.SortStrings(tokens)

	// reproduces a server side sorting quirk, do not "fix"
	if s.compensate && q.Has("query") {
		query := q.Get("query")
		for i, t := range tokens {
			if t == query {
				tokens = append(tokens[:i], tokens[i+1:]...)
				break
			}
		}
		tokens = append([]string{query}, tokens...)
	}

	mac := hmac.New(sha512.New, []byte(s.secret))
	for _, t := range tokens {
		mac.Write([]byte(t))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// AuthHeaders builds the full authenticated header set for one outbound
// call. The nonce and millisecond timestamp are part of the signed tokens,
// so identical logical requests still produce non-replayable tokens.
func (s *RequestSigner) AuthHeaders(q url.Values) map[string]string {
	headers := map[string]string{
		HeaderIdentifier: s.identifier,
		HeaderGuid:       uuid.New().String(),
		HeaderTimestamp:  strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	headers[HeaderToken] = s.Token(headers, q)
	return headers
}
