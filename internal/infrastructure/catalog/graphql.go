package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/Zhima-Mochi/cart-reservation/internal/domain/reservation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultAPIVersion = "2024-10"
	DefaultTimeout    = 5 * time.Second

	metafieldNamespace = "reservation"
	keyIsReserved      = "is_reserved"
	keyCartID          = "cart_id"
	keyReservedUntil   = "reserved_until"

	typeBoolean  = "boolean"
	typeLineText = "single_line_text_field"

	headerAccessToken = "X-Shopify-Access-Token"
	productGIDPrefix  = "gid://shopify/Product/"
)

var (
	ErrUnavailable = errors.New("catalog: service unavailable")
	ErrTimeout     = errors.New("catalog: request timed out")
	ErrRejected    = errors.New("catalog: update rejected")
)

const metafieldsSetMutation = `mutation metafieldsSet($metafields: [MetafieldsSetInput!]!) {
  metafieldsSet(metafields: $metafields) {
    metafields { id namespace key value }
    userErrors { field message }
  }
}`

type GraphQLOptions struct {
	// Endpoint overrides the admin API URL derived from the shop domain.
	Endpoint    string
	AccessToken string
	APIVersion  string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// GraphQLClient writes reservation metafields through a shop's Admin GraphQL API.
type GraphQLClient struct {
	shop     string
	endpoint string
	token    string
	http     *http.Client
	tracer   trace.Tracer
}

func NewGraphQLClient(shop string, opts GraphQLOptions) *GraphQLClient {
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("https://%s/admin/api/%s/graphql.json", shop, opts.APIVersion)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &GraphQLClient{
		shop:     shop,
		endpoint: opts.Endpoint,
		token:    opts.AccessToken,
		http:     client,
		tracer:   otel.Tracer("cart-reservation.catalog"),
	}
}

type metafieldInput struct {
	OwnerID   string `json:"ownerId"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Type      string `json:"type"`
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

type metafieldsSetResponse struct {
	Data struct {
		MetafieldsSet struct {
			UserErrors []userError `json:"userErrors"`
		} `json:"metafieldsSet"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// metafields renders a mirror state as the three reservation metafields of a product.
func metafields(productID string, state domain.MirrorState) []metafieldInput {
	owner := productGID(productID)
	until := ""
	if !state.ReservedUntil.IsZero() {
		until = state.ReservedUntil.UTC().Format(time.RFC3339Nano)
	}
	return []metafieldInput{
		{OwnerID: owner, Namespace: metafieldNamespace, Key: keyIsReserved, Value: fmt.Sprint(state.IsReserved), Type: typeBoolean},
		{OwnerID: owner, Namespace: metafieldNamespace, Key: keyCartID, Value: state.CartID, Type: typeLineText},
		{OwnerID: owner, Namespace: metafieldNamespace, Key: keyReservedUntil, Value: until, Type: typeLineText},
	}
}

func productGID(productID string) string {
	if strings.HasPrefix(productID, productGIDPrefix) {
		return productID
	}
	return productGIDPrefix + productID
}

func (c *GraphQLClient) Sync(ctx context.Context, productID string, state domain.MirrorState) error {
	ctx, span := c.tracer.Start(ctx, "Shopify.metafieldsSet",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("shop", c.shop),
			attribute.String("product.id", productID),
			attribute.Bool("reservation.is_reserved", state.IsReserved),
		),
	)
	defer span.End()

	err := c.do(ctx, productID, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *GraphQLClient) do(ctx context.Context, productID string, state domain.MirrorState) error {
	body, err := json.Marshal(graphqlRequest{
		Query:     metafieldsSetMutation,
		Variables: map[string]any{"metafields": metafields(productID, state)},
	})
	if err != nil {
		return fmt.Errorf("catalog: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAccessToken, c.token)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s: %v", ErrTimeout, c.shop, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, c.shop, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned %s", ErrUnavailable, c.shop, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s returned %s", ErrRejected, c.shop, resp.Status)
	}

	var out metafieldsSetResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("%w: %s", ErrRejected, out.Errors[0].Message)
	}
	if ue := out.Data.MetafieldsSet.UserErrors; len(ue) > 0 {
		return fmt.Errorf("%w: %s", ErrRejected, ue[0].Message)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
