package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/vmorsell/shelterlink/internal/auth"
	"github.com/vmorsell/shelterlink/internal/config"
	"github.com/vmorsell/shelterlink/internal/handlers"
	"github.com/vmorsell/shelterlink/internal/push"
	"github.com/vmorsell/shelterlink/internal/storage"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.Load(config.New())
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if err := cfg.Require(config.KeyConnectionsTable, config.KeyJWTSecret); err != nil {
		logger.Fatal("incomplete config", zap.Error(err))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}

	store := storage.NewStorage(logger, dynamodb.NewFromConfig(awsCfg), cfg.ConnectionsTable)
	newPusher := func(endpoint string) push.Pusher {
		return push.NewGatewayPusher(push.NewGatewayClient(awsCfg, endpoint))
	}

	// Nothing scrapes a Lambda, so delivery counts are reported through the
	// "broadcast complete" log line instead of metrics.
	h := handlers.NewHandler(logger, store, auth.NewJWTService(cfg.JWTSecret, cfg.TokenExpiry), newPusher,
		handlers.WithRegion(awsCfg.Region),
		handlers.WithConnectionTTL(cfg.ConnectionTTL))

	lambda.Start(h.HandleRequest)
}
