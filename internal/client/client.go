package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/gojektech/heimdall/v6/httpclient"
	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
	"github.com/mimiro-io/archrepo-datalayer/internal/entity"
	"github.com/mimiro-io/archrepo-datalayer/internal/security"
)

const excerptLimit = 200

// RepositoryClient talks to the remote architecture repository over its
// signed REST API.
type RepositoryClient struct {
	logger   *zap.SugaredLogger
	statsd   statsd.ClientInterface
	signer   *security.RequestSigner
	client   *httpclient.Client
	baseUrl  string
	repoId   string
	pageSize int
}

func NewRepositoryClient(env *conf.Env, logger *zap.SugaredLogger, statsd statsd.ClientInterface, signer *security.RequestSigner) *RepositoryClient {
	return &RepositoryClient{
		logger: logger.Named("client"),
		statsd: statsd,
		signer: signer,
		client: httpclient.NewClient(
			httpclient.WithHTTPTimeout(env.Repository.Timeout),
			httpclient.WithRetryCount(env.Repository.RetryCount),
		),
		baseUrl:  env.Repository.URL,
		repoId:   env.Repository.RepoId,
		pageSize: env.Repository.PageSize,
	}
}

// get issues one signed call and maps the response onto the error
// taxonomy. 404 comes back as ErrNotFound so callers can turn it into an
// absence value.
func (c *RepositoryClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	requestUrl := fmt.Sprintf("%s/rest/%s", c.baseUrl, path)
	if len(q) > 0 {
		requestUrl = requestUrl + "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestUrl, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.signer.AuthHeaders(q) {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		authErr := &AuthError{Excerpt: excerpt(body)}
		c.logger.Errorw("Authentication failed", "path", path, "response", authErr.Excerpt)
		_ = c.statsd.Count("client.auth_failure", 1, nil, 1)
		return nil, authErr
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, &UpstreamError{Status: resp.StatusCode, Path: path, Excerpt: excerpt(body)}
	}
}

// GetEntity fetches one entity snapshot. Absence is (nil, nil), never an
// error.
func (c *RepositoryClient) GetEntity(ctx context.Context, id string) (*entity.Entity, error) {
	body, err := c.get(ctx, fmt.Sprintf("2.0/entities/%s", entity.NormalizeId(id)), nil)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entity.Parse(body)
}

// Relations fetches the explicit relationships of one entity. A 404 from
// the relations endpoint means "no relationships", not a failure.
func (c *RepositoryClient) Relations(ctx context.Context, id string) ([]*entity.Relationship, error) {
	body, err := c.get(ctx, fmt.Sprintf("2.0/entities/%s/relations", entity.NormalizeId(id)), nil)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	envelope := &relationsEnvelope{}
	if err := json.Unmarshal(body, envelope); err != nil {
		return nil, err
	}
	relations := make([]*entity.Relationship, 0, len(envelope.Relations))
	for _, raw := range envelope.Relations {
		rel, err := entity.ParseRelationship(raw)
		if err != nil {
			return nil, err
		}
		relations = append(relations, rel)
	}
	return relations, nil
}

// Search runs a filtered search over the configured repository, paginating
// until the full result set is assembled.
func (c *RepositoryClient) Search(ctx context.Context, filters []Filter) ([]*entity.Entity, error) {
	query, err := QueryDocument(filters)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("query", query)

	result, err := c.searchPaginated(ctx, fmt.Sprintf("2.0/repos/%s/search", c.repoId), q)
	if err != nil {
		return nil, err
	}

	entities := make([]*entity.Entity, 0, len(result.Items))
	for _, raw := range result.Items {
		e, err := entity.Parse(raw)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func (c *RepositoryClient) Repos(ctx context.Context) ([]Repo, error) {
	body, err := c.get(ctx, "2.0/repos", nil)
	if err != nil {
		return nil, err
	}
	envelope := &reposEnvelope{}
	if err := json.Unmarshal(body, envelope); err == nil && len(envelope.Repos) > 0 {
		return envelope.Repos, nil
	}
	// some deployments return a bare list
	var repos []Repo
	if err := json.Unmarshal(body, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

func (c *RepositoryClient) Metamodel(ctx context.Context) (*Metamodel, error) {
	body, err := c.get(ctx, "2.0/metamodel", nil)
	if err != nil {
		return nil, err
	}
	metamodel := &Metamodel{}
	if err := json.Unmarshal(body, metamodel); err != nil {
		return nil, err
	}
	return metamodel, nil
}

func (c *RepositoryClient) MetamodelClasses(ctx context.Context) ([]MetamodelClass, error) {
	body, err := c.get(ctx, "2.0/metamodel/classes", nil)
	if err != nil {
		return nil, err
	}
	envelope := &Metamodel{}
	if err := json.Unmarshal(body, envelope); err == nil && len(envelope.Classes) > 0 {
		return envelope.Classes, nil
	}
	var classes []MetamodelClass
	if err := json.Unmarshal(body, &classes); err != nil {
		return nil, err
	}
	return classes, nil
}

func excerpt(body []byte) string {
	if len(body) > excerptLimit {
		return string(body[:excerptLimit])
	}
	return string(body)
}
