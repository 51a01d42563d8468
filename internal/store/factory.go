package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

const (
	DriverAuto     = "auto"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverDynamoDB = "dynamodb"
)

type Options struct {
	Driver      string
	DatabaseURL string
	DynamoTable string
	// AWS is used for the dynamodb driver; the default credential chain is loaded when nil.
	AWS *aws.Config
}

// NewStore picks a driver. auto means postgres when DATABASE_URL is set, otherwise in-memory.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" || driver == DriverAuto {
		driver = DriverMemory
		if strings.TrimSpace(opts.DatabaseURL) != "" {
			driver = DriverPostgres
		}
	}

	switch driver {
	case DriverMemory:
		return NewInMemoryStore(), nil
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case DriverDynamoDB:
		cfg := opts.AWS
		if cfg == nil {
			loaded, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("load aws config: %w", err)
			}
			cfg = &loaded
		}
		return NewDynamoStore(dynamodb.NewFromConfig(*cfg), opts.DynamoTable)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
