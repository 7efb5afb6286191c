package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/pkg/model"
)

const cloudWatchGroup = "/sle/logs"

// cloudWatchSender pushes batches to CloudWatch Logs. Each endpoint URL is
// a separate client (custom endpoints cover localstack-style setups); log
// streams are named <service>/<category>.
type cloudWatchSender struct {
	clients []*cloudwatchlogs.Client
	log     *logger.Handler

	mu      sync.Mutex
	streams map[string]bool // streams known to exist
}

func newCloudWatchSender(spec config.BackendSpec, log *logger.Handler) (*cloudWatchSender, error) {
	base, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	clients := make([]*cloudwatchlogs.Client, 0, len(spec.Endpoints))
	for _, ep := range spec.Endpoints {
		endpoint := ep
		clients = append(clients, cloudwatchlogs.NewFromConfig(base, func(o *cloudwatchlogs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}))
	}
	return &cloudWatchSender{
		clients: clients,
		log:     log,
		streams: make(map[string]bool),
	}, nil
}

func (s *cloudWatchSender) Kind() config.BackendKind { return config.KindCloudWatch }

func (s *cloudWatchSender) Send(ctx context.Context, batch *model.Batch) error {
	stream := batch.Source.Service + "/" + batch.Source.Category

	events := make([]types.InputLogEvent, 0, len(batch.Records))
	for _, rec := range batch.Records {
		events = append(events, types.InputLogEvent{
			Timestamp: aws.Int64(rec.Timestamp.UnixMilli()),
			Message:   aws.String(rec.Text),
		})
	}
	// CloudWatch requires chronological event order.
	sort.SliceStable(events, func(i, j int) bool {
		return *events[i].Timestamp < *events[j].Timestamp
	})

	var wg sync.WaitGroup
	errs := make([]error, len(s.clients))
	for i, client := range s.clients {
		wg.Add(1)
		go func(i int, client *cloudwatchlogs.Client) {
			defer wg.Done()
			errs[i] = s.put(ctx, client, stream, events)
		}(i, client)
	}
	wg.Wait()

	var lastErr error
	for _, err := range errs {
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (s *cloudWatchSender) put(ctx context.Context, client *cloudwatchlogs.Client, stream string, events []types.InputLogEvent) error {
	if err := s.ensureStream(ctx, client, stream); err != nil {
		return err
	}
	_, err := client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(cloudWatchGroup),
		LogStreamName: aws.String(stream),
		LogEvents:     events,
	})
	return err
}

func (s *cloudWatchSender) ensureStream(ctx context.Context, client *cloudwatchlogs.Client, stream string) error {
	s.mu.Lock()
	known := s.streams[stream]
	s.mu.Unlock()
	if known {
		return nil
	}

	var exists *types.ResourceAlreadyExistsException
	if _, err := client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(cloudWatchGroup),
	}); err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("create log group: %w", err)
	}
	if _, err := client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(cloudWatchGroup),
		LogStreamName: aws.String(stream),
	}); err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("create log stream: %w", err)
	}

	s.mu.Lock()
	s.streams[stream] = true
	s.mu.Unlock()
	return nil
}
