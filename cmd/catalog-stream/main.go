// Command catalog-stream is the Lambda handler for the product container's
// DynamoDB stream. It audits embedding dimensions of changed products.
package main

import (
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/jacentio/catalogstore/internal/config"
	"github.com/jacentio/catalogstore/internal/logger"
	"github.com/jacentio/catalogstore/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer log.Sync()

	auditor := stream.NewDimensionAuditor(cfg.EmbeddingDimensions, log)
	handler := stream.NewHandler(auditor, log)

	log.Info("stream handler starting",
		zap.String("container", cfg.DatabaseName+"."+cfg.ContainerName),
		zap.Int("embeddingDimensions", cfg.EmbeddingDimensions),
	)
	lambda.Start(handler.Handle)
}
