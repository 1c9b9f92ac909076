// Package push delivers payloads to individual WebSocket connections.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrGone marks a delivery to a connection that no longer exists. The
// directory entry for it is stale.
var ErrGone = errors.New("connection gone")

// Pusher sends one payload to one connection.
type Pusher interface {
	Push(ctx context.Context, connectionID string, payload []byte) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, connectionID string, payload []byte) error

func (f PusherFunc) Push(ctx context.Context, connectionID string, payload []byte) error {
	return f(ctx, connectionID, payload)
}

func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}

type PostToConnectionAPI interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// GatewayPusher posts to connections through the API Gateway management API.
type GatewayPusher struct {
	client PostToConnectionAPI
}

func NewGatewayPusher(client PostToConnectionAPI) *GatewayPusher {
	return &GatewayPusher{client: client}
}

func (p *GatewayPusher) Push(ctx context.Context, connectionID string, payload []byte) error {
	_, err := p.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: &connectionID,
		Data:         payload,
	})
	if err != nil {
		if isGoneError(err) {
			return fmt.Errorf("post to connection %s: %w: %w", connectionID, ErrGone, err)
		}
		return fmt.Errorf("post to connection %s: %w", connectionID, err)
	}
	return nil
}

func isGoneError(err error) bool {
	var gone *types.GoneException
	if errors.As(err, &gone) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusGone
	}
	return false
}

// Endpoint returns the management API URL for a WebSocket API. domainName
// wins when set, otherwise the execute-api URL is derived from apiID.
func Endpoint(domainName, apiID, region, stage string) string {
	stage = strings.TrimPrefix(stage, "/")
	if domainName != "" {
		return fmt.Sprintf("https://%s/%s", domainName, stage)
	}
	return fmt.Sprintf("https://%s.execute-api.%s.amazonaws.com/%s", apiID, region, stage)
}

// NewGatewayClient builds a management API client for endpoint.
func NewGatewayClient(cfg aws.Config, endpoint string) *apigatewaymanagementapi.Client {
	return apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}
