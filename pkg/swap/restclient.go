package swap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// ErrNoApplication is returned when no swap application can be found on the default chain.
var ErrNoApplication = errors.New("swap application not found")

type RESTClient struct {
	baseURL     string
	httpClient  *http.Client
	validate    *validator.Validate
	chain       string
	application string
}

// NewRESTClient creates a client for the swap service at host. applicationID may be
// empty, in which case Resolve discovers it.
func NewRESTClient(host, applicationID string, timeout time.Duration) *RESTClient {
	base := strings.TrimRight(host, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &RESTClient{
		baseURL:     base,
		httpClient:  &http.Client{Timeout: timeout},
		validate:    validator.New(),
		application: applicationID,
	}
}

func (c *RESTClient) HTTPClient() *http.Client {
	return c.httpClient
}

// Chain returns the resolved default chain.
func (c *RESTClient) Chain() string {
	return c.chain
}

// Application returns the swap application id in use.
func (c *RESTClient) Application() string {
	return c.application
}

func (c *RESTClient) applicationURL() string {
	return fmt.Sprintf("%s/chains/%s/applications/%s", c.baseURL, c.chain, c.application)
}

// Resolve looks up the default chain and, when not configured, the swap application on it.
func (c *RESTClient) Resolve(ctx context.Context) error {
	if c.chain == "" {
		var chains chainsResult
		if err := c.query(ctx, c.baseURL, chainsQuery, "chains", &chains); err != nil {
			return err
		}
		c.chain = chains.Chains.Default
	}
	if c.application != "" {
		return nil
	}

	var apps applicationsResult
	q := fmt.Sprintf("query {\n applications(chainId:\"%s\") {\n id\n }\n}", c.chain)
	if err := c.query(ctx, c.baseURL, q, "applications", &apps); err != nil {
		return err
	}
	for _, app := range apps.Applications {
		if c.isSwapApplication(ctx, app.ID) {
			c.application = app.ID
			return nil
		}
	}
	return ErrNoApplication
}

// isSwapApplication probes an application with a query only the swap application answers.
func (c *RESTClient) isSwapApplication(ctx context.Context, applicationID string) bool {
	url := fmt.Sprintf("%s/chains/%s/applications/%s", c.baseURL, c.chain, applicationID)
	var out json.RawMessage
	return c.query(ctx, url, probeQuery, "probe", &out) == nil
}

// GetPools lists the pools of the swap application.
func (c *RESTClient) GetPools(ctx context.Context) ([]Pool, error) {
	var result poolsResult
	if err := c.query(ctx, c.applicationURL(), poolsQuery, "pools", &result); err != nil {
		return nil, err
	}
	return result.Pools, nil
}

// GetPoolTransactions lists a pool's transactions with id >= startID, oldest first.
// A nil startID returns the whole retained history.
func (c *RESTClient) GetPoolTransactions(ctx context.Context, pool Pool, startID *uint64) ([]Transaction, error) {
	q := transactionsQuery
	if startID != nil {
		q = fmt.Sprintf("query {\n latestTransactions(startId:%d) \n}", *startID)
	}
	url := fmt.Sprintf("%s/chains/%s/applications/%s",
		c.baseURL, pool.PoolApplication.ChainID, pool.PoolApplication.ShortOwner())

	var result transactionsResult
	if err := c.query(ctx, url, q, "latestTransactions", &result); err != nil {
		return nil, err
	}
	return result.LatestTransactions, nil
}

// query posts a GraphQL query and decodes its data into out.
func (c *RESTClient) query(ctx context.Context, url, query, op string, out any) error {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}

	// Construct the POST request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("swap service error: status=%d body=%s", resp.StatusCode, raw)
	}

	var envelope GraphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &ParseError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("swap service error: %s", envelope.Errors[0].Message)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return &ParseError{Op: op, Err: errors.New("empty data")}
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &ParseError{Op: op, Err: fmt.Errorf("decode data: %w", err)}
	}
	if _, raw := out.(*json.RawMessage); raw {
		return nil
	}
	if err := c.validate.Struct(out); err != nil {
		return &ParseError{Op: op, Err: err}
	}
	return nil
}
